package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeFleet сохраняет JSON-описание флота во временный файл.
func writeFleet(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalFleet = `{
	"accounts": [
		{"apiId": 12345, "apiHash": "abc", "sessionHandle": "acc1"},
		{"apiId": 12345, "apiHash": "abc", "sessionHandle": "acc2"}
	]
}`

func TestLoadFleetDefaults(t *testing.T) {
	var warnings []string
	fleet, err := loadFleet(writeFleet(t, minimalFleet), &warnings)
	if err != nil {
		t.Fatalf("loadFleet: %v", err)
	}
	if fleet.AccountRotationMode != "sequential" || fleet.AccountRotationPolicy != "perOperation" {
		t.Errorf("rotation defaults: %s/%s", fleet.AccountRotationMode, fleet.AccountRotationPolicy)
	}
	if fleet.FetchBatchSize != defaultFetchBatchSize {
		t.Errorf("fetchBatchSize: %d", fleet.FetchBatchSize)
	}
	if fleet.DiscoveryDepth != defaultDiscoveryDepth || fleet.DiscoveryMsgLimit != defaultDiscoveryMsgLimit {
		t.Errorf("discovery defaults: %d/%d", fleet.DiscoveryDepth, fleet.DiscoveryMsgLimit)
	}
	d := fleet.Cloud.InvitationDelays
	if d.MinSeconds != defaultInviteMinSec || d.MaxSeconds != defaultInviteMaxSec || d.Variance != defaultInviteVariance {
		t.Errorf("invitation delays defaults: %+v", d)
	}
	if len(warnings) == 0 {
		t.Error("defaults must be reported as warnings")
	}
}

func TestLoadFleetRejectsBrokenAccounts(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty accounts", `{"accounts": []}`, "accounts list is empty"},
		{"missing hash", `{"accounts": [{"apiId": 1, "sessionHandle": "a"}]}`, "apiId/apiHash"},
		{"missing handle", `{"accounts": [{"apiId": 1, "apiHash": "x"}]}`, "sessionHandle"},
		{
			"duplicate handle",
			`{"accounts": [
				{"apiId": 1, "apiHash": "x", "sessionHandle": "a"},
				{"apiId": 1, "apiHash": "x", "sessionHandle": "a"}
			]}`,
			"duplicate",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var warnings []string
			_, err := loadFleet(writeFleet(t, tc.body), &warnings)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %v must mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadFleetProxyValidation(t *testing.T) {
	var warnings []string
	body := `{
		"accounts": [{"apiId": 1, "apiHash": "x", "sessionHandle": "a"}],
		"proxy": {"enabled": true, "host": "10.0.0.1", "ports": [9050, 9051], "type": "http"}
	}`
	fleet, err := loadFleet(writeFleet(t, body), &warnings)
	if err != nil {
		t.Fatalf("loadFleet: %v", err)
	}
	// Неподдерживаемый тип деградирует до socks5 с предупреждением.
	if fleet.Proxy.Type != "socks5" {
		t.Errorf("proxy type: %s", fleet.Proxy.Type)
	}

	bad := `{
		"accounts": [{"apiId": 1, "apiHash": "x", "sessionHandle": "a"}],
		"proxy": {"enabled": true}
	}`
	if _, err := loadFleet(writeFleet(t, bad), &warnings); err == nil {
		t.Error("proxy without host must be rejected")
	}
}

func TestSanitizeInvitationDelaysSwapsAndClamps(t *testing.T) {
	var warnings []string
	d := sanitizeInvitationDelays(InvitationDelays{MinSeconds: 1800, MaxSeconds: 300, Variance: 1.5}, &warnings)
	if d.MinSeconds != 300 || d.MaxSeconds != 1800 {
		t.Errorf("swap: %+v", d)
	}
	if d.Variance != defaultInviteVariance {
		t.Errorf("variance clamp: %v", d.Variance)
	}
	if len(warnings) != 2 {
		t.Errorf("warnings: %v", warnings)
	}
}

func TestLoadConfigReadsEnv(t *testing.T) {
	dir := t.TempDir()
	fleetPath := writeFleet(t, minimalFleet)
	envPath := filepath.Join(dir, ".env")
	env := strings.Join([]string{
		"FLEET_FILE=" + fleetPath,
		"DB_PATH=" + filepath.Join(dir, "test.db"),
		"LOG_LEVEL=debug",
		"THROTTLE_RPS=2",
		"MAX_CONCURRENT=3",
		"APP_TIMEZONE=UTC+3",
		"TEST_DC=true",
	}, "\n")
	if err := os.WriteFile(envPath, []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(envPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Env.LogLevel != "debug" || cfg.Env.ThrottleRPS != 2 || cfg.Env.MaxConcurrent != 3 {
		t.Errorf("env: %+v", cfg.Env)
	}
	if !cfg.Env.TestDC {
		t.Error("TEST_DC must be parsed")
	}
	if len(cfg.fleet.Accounts) != 2 {
		t.Errorf("accounts: %d", len(cfg.fleet.Accounts))
	}
}
