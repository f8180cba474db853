package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// RetrievalConfig tunes the breaker guarding retrieval-engine calls.
func RetrievalConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_RETRIEVAL_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_RETRIEVAL_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_RETRIEVAL_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_RETRIEVAL_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_RETRIEVAL_SUCCESS_THRESHOLD", 2),
	}
}

// LLMConfig tunes the breaker guarding language-model provider calls.
func LLMConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_LLM_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_LLM_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_LLM_TIMEOUT", 20*time.Second),
		FailureThreshold: getEnvUint32("CB_LLM_FAILURE_THRESHOLD", 4),
		SuccessThreshold: getEnvUint32("CB_LLM_SUCCESS_THRESHOLD", 2),
	}
}

// RedisConfig tunes the breaker guarding the session store.
func RedisConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// DatabaseConfig tunes the breaker guarding the profile override store.
func DatabaseConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

func getEnvUint32(key string, def uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
