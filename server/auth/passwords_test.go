package auth

import "testing"

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "correct horse battery" {
		t.Fatal("password stored in the clear")
	}

	if !CheckPassword(hash, "correct horse battery") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "wrong password") {
		t.Error("wrong password accepted")
	}
	if CheckPassword("not-a-bcrypt-hash", "anything") {
		t.Error("garbage hash verified")
	}

	// bcrypt salts per call.
	hash2, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash2 == hash {
		t.Error("two hashes of the same password are identical")
	}
}
