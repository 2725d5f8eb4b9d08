package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// encryptValue runs "secret encrypt" and returns the printed token and the
// generated $secret_meta block.
func encryptValue(t *testing.T, password, value string) (string, string) {
	t.Helper()
	resetViper()
	viper.Set("password", password)
	viper.Set("value", value)

	output, err := execute("secret", "encrypt")
	if err != nil {
		t.Fatalf("secret encrypt: %v", err)
	}

	var token string
	for _, line := range strings.Split(output, "\n") {
		if rest, ok := strings.CutPrefix(line, "$secret: "); ok {
			token = rest
		}
	}
	if token == "" {
		t.Fatalf("no $secret snippet in output:\n%s", output)
	}

	marker := "enable secret verification:\n"
	idx := strings.Index(output, marker)
	if idx < 0 {
		t.Fatalf("no $secret_meta block in output:\n%s", output)
	}
	return token, output[idx+len(marker):]
}

func TestSecretEncryptDecryptRoundtrip(t *testing.T) {
	token, metaBlock := encryptValue(t, "opensesame", "hunter2")

	var meta map[string]interface{}
	if err := yaml.Unmarshal([]byte(metaBlock), &meta); err != nil {
		t.Fatalf("meta block is not valid YAML: %v\n%s", err, metaBlock)
	}
	if _, ok := meta["$secret_meta"]; !ok {
		t.Fatalf("meta block missing $secret_meta:\n%s", metaBlock)
	}

	doc := meta
	doc["db_password"] = map[string]interface{}{"$secret": token}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	resetViper()
	viper.Set("password", "opensesame")
	output, err := execute("secret", "decrypt", path)
	if err != nil {
		t.Fatalf("secret decrypt: %v", err)
	}
	if !strings.Contains(output, "db_password: hunter2") {
		t.Errorf("decrypted output missing plaintext:\n%s", output)
	}
	if strings.Contains(output, "$secret_meta") {
		t.Errorf("decrypted output leaks the meta block:\n%s", output)
	}
}

func TestSecretDecryptWrongPassword(t *testing.T) {
	token, metaBlock := encryptValue(t, "rightpassword", "classified")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := metaBlock + "api_key:\n  $secret: " + token + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	resetViper()
	viper.Set("password", "wrongpassword")
	if _, err := execute("secret", "decrypt", path); err == nil {
		t.Fatal("decrypt with the wrong password must fail")
	}
}

func TestSecretEncryptReusesExistingMeta(t *testing.T) {
	_, metaBlock := encryptValue(t, "opensesame", "first")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(metaBlock), 0o644); err != nil {
		t.Fatal(err)
	}

	resetViper()
	viper.Set("password", "opensesame")
	viper.Set("value", "second")
	output, err := execute("secret", "encrypt", path)
	if err != nil {
		t.Fatalf("secret encrypt with existing meta: %v", err)
	}
	if strings.Contains(output, "Add this top-level block") {
		t.Errorf("existing meta must be reused, not regenerated:\n%s", output)
	}
	if !strings.Contains(output, "$secret: ") {
		t.Errorf("no snippet printed:\n%s", output)
	}
}
