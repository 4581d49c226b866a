package redis

const (
	// setValueScript atomically stores a value with its revision and announces
	// the change to every subscriber of the change channel.
	setValueScript = `
local value_key = KEYS[1]       -- usagesync:kv:{key}
local revision_key = KEYS[2]    -- usagesync:kv:{key}:rev

local value = ARGV[1]
local revision = ARGV[2]
local channel = ARGV[3]
local message = ARGV[4]

redis.call('SET', value_key, value)
redis.call('SET', revision_key, revision)
redis.call('PUBLISH', channel, message)

return 'OK'
`
)
