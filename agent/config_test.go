package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "credentials.json")

	if err := saveCredentials(path, &credentials{MachineID: 42, Token: "tok-abc"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	creds, err := loadCredentials(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if creds == nil || creds.MachineID != 42 || creds.Token != "tok-abc" {
		t.Errorf("credentials = %+v", creds)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("credentials file mode = %o, want 0600", info.Mode().Perm())
		}
	}
}

func TestLoadCredentialsMissing(t *testing.T) {
	creds, err := loadCredentials(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || creds != nil {
		t.Errorf("missing file = (%+v, %v), want (nil, nil)", creds, err)
	}
}

func TestLoadCredentialsEmptyToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{"machine_id":3,"token":""}`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	creds, err := loadCredentials(path)
	if err != nil || creds != nil {
		t.Errorf("empty token = (%+v, %v), want (nil, nil)", creds, err)
	}
}

func TestLoadCredentialsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{{{`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadCredentials(path); err == nil {
		t.Error("corrupt file loaded without error")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("IDLEWATCH_TEST_STR", "value")
	t.Setenv("IDLEWATCH_TEST_INT", "17")
	t.Setenv("IDLEWATCH_TEST_BAD_INT", "many")
	t.Setenv("IDLEWATCH_TEST_FLOAT", "2.5")

	if got := getEnv("IDLEWATCH_TEST_STR", "fallback"); got != "value" {
		t.Errorf("getEnv = %q", got)
	}
	if got := getEnv("IDLEWATCH_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("getEnv unset = %q", got)
	}
	if got := getEnvInt("IDLEWATCH_TEST_INT", 1); got != 17 {
		t.Errorf("getEnvInt = %d", got)
	}
	if got := getEnvInt("IDLEWATCH_TEST_BAD_INT", 1); got != 1 {
		t.Errorf("getEnvInt malformed = %d, want fallback", got)
	}
	if got := getEnvFloat("IDLEWATCH_TEST_FLOAT", 1); got != 2.5 {
		t.Errorf("getEnvFloat = %v", got)
	}
}
