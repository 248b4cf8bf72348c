package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swiftcare/booking-engine/internal/directory"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %s", cfg.StoreDriver)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Fatalf("expected 5s store timeout, got %s", cfg.StoreTimeout)
	}
	if cfg.CreateMaxAttempts != 3 || cfg.UpdateMaxAttempts != 3 {
		t.Fatalf("unexpected attempt defaults %d/%d", cfg.CreateMaxAttempts, cfg.UpdateMaxAttempts)
	}
	if cfg.KafkaReplication != 1 {
		t.Fatalf("expected replication 1, got %d", cfg.KafkaReplication)
	}
	if cfg.SMTPEnabled() {
		t.Fatalf("smtp should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("STORE_TIMEOUT", "250ms")
	t.Setenv("CREATE_MAX_ATTEMPTS", "5")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("SELECTION_STRATEGY", "least-loaded")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != DriverMemory {
		t.Fatalf("expected memory driver, got %s", cfg.StoreDriver)
	}
	if cfg.StoreTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.StoreTimeout)
	}
	if cfg.CreateMaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.CreateMaxAttempts)
	}
	if got := cfg.Brokers(); len(got) != 2 || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
	if cfg.SelectionStrategy != "least-loaded" {
		t.Fatalf("unexpected strategy %s", cfg.SelectionStrategy)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "sqlite")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

const seedYAML = `
directory_users:
  - id: c1
    first_name: Grace
    role: consultant
    specializations: [bereavement, wellness]
  - id: c2
    role: consultant
    unavailable: true
  - id: u1
    email: ada@example.com
    role: patient
`

func TestLoadSeedsDirectoryUsers(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("STORE_DRIVER", "memory")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	users := cfg.SeedUsers()
	if len(users) != 3 {
		t.Fatalf("expected 3 seeded users, got %d", len(users))
	}
	c1 := users[0]
	if c1.Role != directory.RoleConsultant || !c1.Available || len(c1.Specializations) != 2 {
		t.Fatalf("unexpected consultant %+v", c1)
	}
	if users[1].Available {
		t.Fatalf("c2 should be unavailable")
	}
	if users[2].Role != directory.RolePatient || users[2].Email != "ada@example.com" {
		t.Fatalf("unexpected patient %+v", users[2])
	}
}

func TestValidateRejectsBadSeedUsers(t *testing.T) {
	tests := map[string][]DirectoryUser{
		"unknown role": {{ID: "x", Role: "nurse"}},
		"missing id":   {{Role: "patient"}},
		"duplicate id": {{ID: "x", Role: "patient"}, {ID: "x", Role: "admin"}},
	}
	for name, users := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Config{
				StoreDriver: DriverMemory, KafkaReplication: 1, StoreTimeout: time.Second,
				CreateMaxAttempts: 1, UpdateMaxAttempts: 1, DirectoryUsers: users,
			}
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
