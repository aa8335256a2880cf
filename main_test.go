package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// TestGenerateCode tests approval code generation
func TestGenerateCode(t *testing.T) {
	tests := []struct {
		name string
		runs int
	}{
		{"single", 1},
		{"multiple", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes := make(map[string]bool)
			for i := 0; i < tt.runs; i++ {
				code, err := generateCode()
				if err != nil {
					t.Fatalf("generateCode() returned error: %v", err)
				}
				if len(code) != 8 {
					t.Errorf("generateCode() length = %d, want 8", len(code))
				}
				for _, c := range code {
					if c < '0' || c > '9' {
						t.Errorf("generateCode() contains non-digit: %c", c)
					}
				}
				codes[code] = true
			}

			// 100 draws from 10^8 codes collide with negligible probability.
			if tt.runs == 100 && len(codes) < 99 {
				t.Errorf("generateCode() not random enough: got %d unique codes out of %d runs", len(codes), tt.runs)
			}
		})
	}
}

func TestApprovalGate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("accepts code", func(t *testing.T) {
		g := newApprovalGate("12345678", now)
		if got, _ := g.check("  12345678\n", now); got != approvalAccepted {
			t.Errorf("check() = %v, want accepted", got)
		}
	})

	t.Run("counts down attempts", func(t *testing.T) {
		g := newApprovalGate("12345678", now)
		for want := 4; want >= 1; want-- {
			got, remaining := g.check("00000000", now)
			if got != approvalRejected || remaining != want {
				t.Fatalf("check() = %v, %d, want rejected, %d", got, remaining, want)
			}
		}
		if got, _ := g.check("00000000", now); got != approvalLocked {
			t.Errorf("fifth failure = %v, want locked", got)
		}
	})

	t.Run("expires", func(t *testing.T) {
		g := newApprovalGate("12345678", now)
		later := now.Add(15*time.Minute + time.Second)
		if got, _ := g.check("12345678", later); got != approvalExpired {
			t.Errorf("check() after expiry = %v, want expired", got)
		}
	})

	t.Run("prefix is not enough", func(t *testing.T) {
		g := newApprovalGate("12345678", now)
		if got, _ := g.check("1234", now); got != approvalRejected {
			t.Errorf("check(prefix) = %v, want rejected", got)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if got, want := out.String(), "cli-relay "+version+"\n"; got != want {
		t.Errorf("version output = %q, want %q", got, want)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "ask", "setup", "daemon", "hash-password", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
	for _, name := range []string{"start", "stop", "status"} {
		cmd, _, err := root.Find([]string{"daemon", name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(daemon %q) = %v, %v", name, cmd, err)
		}
	}
}

func TestHashPasswordCommand(t *testing.T) {
	setTempConfigPath(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"hash-password", "--save", "s3cret"})
	if err := root.Execute(); err != nil {
		t.Fatalf("hash-password error = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("printed hash does not match password: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Observer.PasswordHash != hash {
		t.Errorf("saved hash = %q, want %q", cfg.Observer.PasswordHash, hash)
	}
}

func TestHashPasswordFromStdin(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("piped\n"))
	root.SetArgs([]string{"hash-password"})
	if err := root.Execute(); err != nil {
		t.Fatalf("hash-password error = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("piped")); err != nil {
		t.Errorf("printed hash does not match stdin password: %v", err)
	}
}

func TestHashPasswordEmpty(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetIn(strings.NewReader("\n"))
	root.SetArgs([]string{"hash-password"})
	if err := root.Execute(); err == nil {
		t.Error("hash-password with empty input succeeded")
	}
}

func BenchmarkGenerateCode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		generateCode()
	}
}
