package infra

// incrWindowLua increments the current sub-window, arms its expiry on first
// use and reads the previous sub-window, all in one round trip.
//
// KEYS[1] current sub-window, KEYS[2] previous sub-window
// ARGV[1] ttl in milliseconds
const incrWindowLua = `
local cur = redis.call("INCR", KEYS[1])
if cur == 1 or redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local prev = tonumber(redis.call("GET", KEYS[2]) or "0")
return { cur, prev }
`

// banLua rewrites the ban fields, bumps ban_count and refreshes the expiry.
//
// KEYS[1] ban hash
// ARGV[1] identifier, ARGV[2] violation count, ARGV[3] violation window start
// (unix seconds), ARGV[4] banned until (unix milliseconds), ARGV[5] ttl in ms
const banLua = `
redis.call("HSET", KEYS[1],
  "identifier", ARGV[1],
  "violation_count", ARGV[2],
  "violation_window_start", ARGV[3],
  "banned_until", ARGV[4])
local n = redis.call("HINCRBY", KEYS[1], "ban_count", 1)
if tonumber(ARGV[5]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
end
return n
`
