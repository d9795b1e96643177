package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":       "test-service",
				"LISTEN_PORT":        "5555",
				"HASH_ALGORITHM":     "SHA256",
				"DEFAULT_DIFFICULTY": "5",
				"MAX_DIFFICULTY":     "8",
				"EVENT_ENCODING":     "proto",
			},
			wantErr: false,
		},
		{
			name:    "invalid port",
			envVars: map[string]string{"LISTEN_PORT": "99999"},
			wantErr: true,
		},
		{
			name:    "unknown algorithm",
			envVars: map[string]string{"HASH_ALGORITHM": "crc32"},
			wantErr: true,
		},
		{
			name:    "difficulty beyond digest length",
			envVars: map[string]string{"HASH_ALGORITHM": "hash160", "MAX_DIFFICULTY": "41"},
			wantErr: true,
		},
		{
			name:    "default above max",
			envVars: map[string]string{"DEFAULT_DIFFICULTY": "7", "MAX_DIFFICULTY": "6"},
			wantErr: true,
		},
		{
			name:    "unsupported encoding",
			envVars: map[string]string{"EVENT_ENCODING": "avro"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if cfg.SearchWorkers < 1 {
					t.Error("SearchWorkers should be at least 1")
				}
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"HASH_ALGORITHM", "DEFAULT_DIFFICULTY", "MAX_DIFFICULTY", "KAFKA_BROKERS", "REDIS_ADDR", "INFLUX_URL", "EVENT_ENCODING"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HashAlgorithm != "md5" || cfg.DefaultDifficulty != 4 || cfg.MaxDifficulty != 6 {
		t.Errorf("sealing defaults = %s/%d/%d", cfg.HashAlgorithm, cfg.DefaultDifficulty, cfg.MaxDifficulty)
	}
	if cfg.KafkaEnabled() {
		t.Error("Kafka should be disabled without brokers")
	}
	if cfg.RedisAddr != "" || cfg.InfluxURL != "" {
		t.Error("stores should be disabled by default")
	}
	if cfg.EventEncoding != "json" {
		t.Errorf("EventEncoding = %q, want json", cfg.EventEncoding)
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ServiceName:       "test",
			ListenPort:        4444,
			HashAlgorithm:     "md5",
			DefaultDifficulty: 4,
			MaxDifficulty:     6,
			SearchWorkers:     1,
			WorkerPoolSize:    1,
			MaxConnections:    1,
			EventEncoding:     "json",
		}
	}

	if err := valid().validate(); err != nil {
		t.Errorf("validate() should not fail for valid config: %v", err)
	}

	mutations := []func(*Config){
		func(c *Config) { c.ServiceName = "" },
		func(c *Config) { c.ListenPort = 0 },
		func(c *Config) { c.HashAlgorithm = "" },
		func(c *Config) { c.MaxDifficulty = 33 },
		func(c *Config) { c.MaxDifficulty = -1 },
		func(c *Config) { c.DefaultDifficulty = -1 },
		func(c *Config) { c.SearchWorkers = 0 },
		func(c *Config) { c.WorkerPoolSize = 0 },
		func(c *Config) { c.MaxConnections = 0 },
		func(c *Config) { c.EventEncoding = "" },
	}

	for i, mutate := range mutations {
		cfg := valid()
		mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("validate() should fail for invalid config %d", i)
		}
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "test_value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_UINT", "18446744073709551615")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_SLICE", "kafka-1:9092, kafka-2:9092,,")
	t.Setenv("TEST_BAD_INT", "forty-two")

	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v, want %v", got, "test_value")
	}
	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want %v", got, "default")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want %v", got, 42)
	}
	if got := getEnvInt("TEST_BAD_INT", 99); got != 99 {
		t.Errorf("getEnvInt() = %v, want %v", got, 99)
	}
	if got := getEnvUint("TEST_UINT", 0); got != 1<<64-1 {
		t.Errorf("getEnvUint() = %v, want max uint64", got)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want %v", got, 30*time.Second)
	}

	want := []string{"kafka-1:9092", "kafka-2:9092"}
	if got := getEnvSlice("TEST_SLICE", nil); !reflect.DeepEqual(got, want) {
		t.Errorf("getEnvSlice() = %v, want %v", got, want)
	}
	if _, set := os.LookupEnv("NONEXISTENT_SLICE"); set {
		t.Skip("NONEXISTENT_SLICE is set in the environment")
	}
	if got := getEnvSlice("NONEXISTENT_SLICE", []string{"a"}); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("getEnvSlice() = %v, want [a]", got)
	}
}
