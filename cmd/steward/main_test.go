package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/secrets"
	"steward/internal/telegram"
)

// =============================================================================
// Test Doubles
// =============================================================================

type memStore map[string]string

func (m memStore) Get(name string) (string, error) {
	if v, ok := m[name]; ok {
		return v, nil
	}
	return "", secrets.ErrNotFound
}
func (m memStore) Set(name, value string) error { m[name] = value; return nil }
func (m memStore) Delete(name string) error     { delete(m, name); return nil }

// useSecrets swaps the secrets source for the duration of the test.
func useSecrets(t *testing.T, s secrets.Store) {
	t.Helper()
	old := openSecrets
	openSecrets = func() (secrets.Store, error) { return s, nil }
	t.Cleanup(func() { openSecrets = old })
}

type fakeBot struct {
	updates chan tgbotapi.Update
	stopped chan struct{}
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update), stopped: make(chan struct{}, 1)}
}

func (b *fakeBot) Send(tgbotapi.Chattable) (tgbotapi.Message, error) { return tgbotapi.Message{}, nil }
func (b *fakeBot) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}
func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return b.updates }
func (b *fakeBot) StopReceivingUpdates() {
	select {
	case b.stopped <- struct{}{}:
	default:
	}
}
func (b *fakeBot) GetFileDirectURL(string) (string, error) { return "", nil }

// writeTestConfig runs init in a temp dir and applies edit before saving.
func writeTestConfig(t *testing.T, edit func(*domain.Config)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward.json")
	if code := runApp([]string{"steward", "init", "--config", path}, &bytes.Buffer{}, &bytes.Buffer{}); code != 0 {
		t.Fatalf("init exited %d", code)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Agents.Provider = "local"
	cfg.Gateway.Port = 0
	if edit != nil {
		edit(cfg)
	}
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := runApp(append([]string{"steward"}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

// =============================================================================
// Root
// =============================================================================

func TestBuildMeta_String_ShouldIncludeVersionAndPlatform(t *testing.T) {
	if got := newBuildMeta("1.2.0", "linux", "arm64").String(); got != "steward 1.2.0 linux/arm64" {
		t.Errorf("String() = %q", got)
	}
	if bm := newBuildMeta("x", "", ""); bm.GoOS == "" || bm.GoArch == "" {
		t.Error("empty platform should default to runtime values")
	}
}

func TestRunApp_WhenVersionFlag_ShouldPrintVersion(t *testing.T) {
	code, out, _ := run(t, "--version")
	if code != 0 || !strings.HasPrefix(out, "steward ") {
		t.Errorf("code=%d out=%q", code, out)
	}
}

func TestRunApp_WhenUnknownCommand_ShouldExitOne(t *testing.T) {
	code, _, errOut := run(t, "frobnicate")
	if code != 1 || !strings.Contains(errOut, "frobnicate") {
		t.Errorf("code=%d stderr=%q", code, errOut)
	}
}

func TestMain_ShouldExitWithRunAppCode(t *testing.T) {
	oldExit, oldArgs := exitFunc, os.Args
	defer func() { exitFunc, os.Args = oldExit, oldArgs }()
	got := -1
	exitFunc = func(code int) { got = code }
	os.Args = []string{"steward", "--version"}
	main()
	if got != 0 {
		t.Errorf("exit code = %d", got)
	}
}

// =============================================================================
// init
// =============================================================================

func TestRunApp_ShouldLoadDotEnvBesideConfig(t *testing.T) {
	const name = "STEWARD_TEST_DOTENV"
	os.Unsetenv(name)
	t.Cleanup(func() { os.Unsetenv(name) })
	path := writeTestConfig(t, nil)
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(name+"=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if code, _, errOut := run(t, "tools", "--config", path); code != 0 {
		t.Fatalf("tools exited %d: %s", code, errOut)
	}
	if got := os.Getenv(name); got != "from-file" {
		t.Errorf("%s = %q, want from-file", name, got)
	}
}

func TestRunApp_WhenVariableAlreadySet_ShouldNotOverrideFromDotEnv(t *testing.T) {
	const name = "STEWARD_TEST_DOTENV_SET"
	t.Setenv(name, "from-env")
	path := writeTestConfig(t, nil)
	_ = os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(name+"=from-file\n"), 0o600)

	run(t, "tools", "--config", path)
	if got := os.Getenv(name); got != "from-env" {
		t.Errorf("%s = %q, want from-env", name, got)
	}
}

func TestInit_ShouldWriteConfigAndRosterBesideIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.json")
	code, out, _ := run(t, "init", "--config", path)
	if code != 0 {
		t.Fatalf("init exited %d", code)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.PersonasFile != filepath.Join(dir, "personas.yaml") || !cfg.Gateway.Enabled {
		t.Errorf("unexpected config: %+v", cfg.Agents)
	}
	if cfg.Storage.DatabaseURL != "file:"+filepath.Join(dir, "steward.db") {
		t.Errorf("unexpected database URL %q", cfg.Storage.DatabaseURL)
	}
	if _, err := os.Stat(cfg.Agents.PersonasFile); err != nil {
		t.Errorf("roster not written: %v", err)
	}
	if !strings.Contains(out, "personas.yaml") {
		t.Errorf("output should mention the roster: %q", out)
	}
}

func TestInit_WhenConfigExists_ShouldRequireForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.json")
	run(t, "init", "--config", path)
	if code, _, errOut := run(t, "init", "--config", path); code != 1 || !strings.Contains(errOut, "--force") {
		t.Errorf("code=%d stderr=%q", code, errOut)
	}
	if code, _, _ := run(t, "init", "--config", path, "--force"); code != 0 {
		t.Errorf("--force should overwrite, got %d", code)
	}
}

// =============================================================================
// check
// =============================================================================

func TestCheck_WhenLocalProvider_ShouldPass(t *testing.T) {
	useSecrets(t, secrets.NewEnvFirst(memStore{}))
	path := writeTestConfig(t, nil)
	code, out, _ := run(t, "check", "--config", path)
	if code != 0 {
		t.Fatalf("check exited %d:\n%s", code, out)
	}
	for _, want := range []string{"[Personas] 1 loaded", "[Tools]", "[Provider] local", "Check complete."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheck_WhenKeyAndTokenMissing_ShouldReportEach(t *testing.T) {
	useSecrets(t, secrets.NewEnvFirst(memStore{}))
	path := writeTestConfig(t, func(c *domain.Config) {
		c.Agents.Provider = "openai"
		c.Telegram.Enabled = true
	})
	code, out, _ := run(t, "check", "--config", path)
	if code != 1 {
		t.Errorf("want exit 1, got %d", code)
	}
	if !strings.Contains(out, "openai_api_key") || !strings.Contains(out, "telegram_bot_token") {
		t.Errorf("expected both missing secrets reported:\n%s", out)
	}
}

func TestCheck_WhenConfigMissing_ShouldSuggestInit(t *testing.T) {
	code, out, _ := run(t, "check", "--config", filepath.Join(t.TempDir(), "nope.json"))
	if code != 1 || !strings.Contains(out, "steward init") {
		t.Errorf("code=%d out=%q", code, out)
	}
}

func TestCheck_WhenConfigInvalid_ShouldListProblems(t *testing.T) {
	useSecrets(t, secrets.NewEnvFirst(memStore{}))
	path := writeTestConfig(t, func(c *domain.Config) {
		c.Agents.Temperature = 5
		c.Schedules = []domain.ScheduleConfig{{ID: "x", Cron: "whenever", Transport: "gateway", ChannelID: "gateway-x", Prompt: "hi"}}
	})
	_, out, _ := run(t, "check", "--config", path)
	if !strings.Contains(out, "temperature") || !strings.Contains(out, "whenever") {
		t.Errorf("expected each problem on its own line:\n%s", out)
	}
}

// =============================================================================
// tools
// =============================================================================

func TestTools_ShouldPrintFunctionsWithRequirements(t *testing.T) {
	path := writeTestConfig(t, nil)
	code, out, errOut := run(t, "tools", "--config", path)
	if code != 0 {
		t.Fatalf("tools exited %d: %s", code, errOut)
	}
	for _, want := range []string{"### SendMessage", "### GetUsageReport", "requires: superUser && inDM", "### ReadWebPage",
		"### RequestBug", "### CloseTask\nrequires: superUser", "### GenerateMeme"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

// =============================================================================
// secrets
// =============================================================================

func TestSecrets_SetGetDelete_ShouldRoundTrip(t *testing.T) {
	store := memStore{}
	useSecrets(t, store)

	if code, out, _ := run(t, "secrets", "set", "openai_api_key", "sk-1"); code != 0 || strings.TrimSpace(out) != "ok" {
		t.Fatalf("set: code=%d out=%q", code, out)
	}
	if _, out, _ := run(t, "secrets", "get", "openai_api_key"); strings.TrimSpace(out) != "sk-1" {
		t.Errorf("get: %q", out)
	}
	if code, _, _ := run(t, "secrets", "delete", "openai_api_key"); code != 0 {
		t.Errorf("delete exited %d", code)
	}
	if code, _, errOut := run(t, "secrets", "get", "openai_api_key"); code != 1 || !strings.Contains(errOut, "not found") {
		t.Errorf("get after delete: code=%d stderr=%q", code, errOut)
	}
}

func TestSecrets_Set_WhenUnknownName_ShouldWarn(t *testing.T) {
	useSecrets(t, memStore{})
	_, _, errOut := run(t, "secrets", "set", "openai", "sk")
	if !strings.Contains(errOut, "warning") {
		t.Errorf("expected a warning, got %q", errOut)
	}
}

func TestSecrets_WhenStoreUnavailable_ShouldFail(t *testing.T) {
	old := openSecrets
	openSecrets = func() (secrets.Store, error) { return nil, secrets.ErrNoKey }
	defer func() { openSecrets = old }()
	if code, _, _ := run(t, "secrets", "get", "x"); code != 1 {
		t.Errorf("want exit 1, got %d", code)
	}
}

// =============================================================================
// run
// =============================================================================

func TestRun_WhenRoot_ShouldExitTwo(t *testing.T) {
	old := effectiveUID
	effectiveUID = func() int { return 0 }
	defer func() { effectiveUID = old }()
	if code, _, errOut := run(t, "run", "--config", "missing.json"); code != 2 || !strings.Contains(errOut, "root") {
		t.Errorf("code=%d stderr=%q", code, errOut)
	}
}

func TestRun_WhenConfigMissing_ShouldSuggestInit(t *testing.T) {
	old := effectiveUID
	effectiveUID = func() int { return 1000 }
	defer func() { effectiveUID = old }()
	code, _, errOut := run(t, "run", "--config", filepath.Join(t.TempDir(), "nope.json"))
	if code != 1 || !strings.Contains(errOut, "steward init") {
		t.Errorf("code=%d stderr=%q", code, errOut)
	}
}

// serveUntilReady runs serve and hands the started state to inspect, then stops it.
func serveUntilReady(t *testing.T, path string, inspect func(*runtimeState)) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	old := readyHook
	readyHook = func(st *runtimeState) {
		inspect(st)
		cancel()
	}
	defer func() { readyHook = old }()

	done := make(chan error, 1)
	go func() { done <- serve(ctx, path, &bytes.Buffer{}) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
		return nil
	}
}

func TestServe_WithGateway_ShouldServeStatus(t *testing.T) {
	useSecrets(t, secrets.NewEnvFirst(memStore{}))
	path := writeTestConfig(t, nil)

	var status int
	var body map[string]json.RawMessage
	err := serveUntilReady(t, path, func(st *runtimeState) {
		<-st.server.Ready()
		_, port, err := net.SplitHostPort(st.server.Addr())
		if err != nil {
			t.Errorf("gateway not listening: %v (%v)", err, st.server.ListenErr())
			return
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/status")
		if err != nil {
			t.Errorf("GET /status: %v", err)
			return
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		_ = json.NewDecoder(resp.Body).Decode(&body)
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if status != http.StatusOK || body["channels"] == nil {
		t.Errorf("status=%d body=%v", status, body)
	}
}

func TestServe_WithTelegramAndSchedule_ShouldWireBoth(t *testing.T) {
	useSecrets(t, secrets.NewEnvFirst(memStore{secrets.TelegramBotToken: "123:abc"}))
	bot := newFakeBot()
	old := newTelegramBot
	newTelegramBot = func(token string) (telegram.BotAPI, int64, error) {
		if token != "123:abc" {
			t.Errorf("unexpected token %q", token)
		}
		return bot, 999, nil
	}
	defer func() { newTelegramBot = old }()

	path := writeTestConfig(t, func(c *domain.Config) {
		c.Gateway.Enabled = false
		c.Telegram.Enabled = true
		c.Schedules = []domain.ScheduleConfig{{ID: "morning", Cron: "@daily", Transport: "telegram", ChannelID: "telegram-42", Prompt: "Good morning."}}
	})
	var transports []string
	var jobs int
	err := serveUntilReady(t, path, func(st *runtimeState) {
		for name := range st.transports {
			transports = append(transports, name)
		}
		jobs = len(st.scheduler.ListJobs())
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if len(transports) != 1 || transports[0] != domain.PlatformTelegram || jobs != 1 {
		t.Errorf("transports=%v jobs=%d", transports, jobs)
	}
	select {
	case <-bot.stopped:
	case <-time.After(time.Second):
		t.Error("telegram polling should stop on shutdown")
	}
}

func TestServe_WhenTelegramTokenMissing_ShouldFail(t *testing.T) {
	useSecrets(t, secrets.NewEnvFirst(memStore{}))
	path := writeTestConfig(t, func(c *domain.Config) { c.Telegram.Enabled = true })
	err := serve(context.Background(), path, &bytes.Buffer{})
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Setting != "telegram.enabled" {
		t.Errorf("want telegram configuration error, got %v", err)
	}
}

func TestServe_WhenNoTransport_ShouldFail(t *testing.T) {
	useSecrets(t, secrets.NewEnvFirst(memStore{}))
	path := writeTestConfig(t, func(c *domain.Config) { c.Gateway.Enabled = false })
	if err := serve(context.Background(), path, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "no transport") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestServe_WhenProviderKeyMissing_ShouldFail(t *testing.T) {
	useSecrets(t, secrets.NewEnvFirst(memStore{}))
	path := writeTestConfig(t, func(c *domain.Config) { c.Agents.Provider = "anthropic" })
	err := serve(context.Background(), path, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "anthropic_api_key") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestSecretGetter_ShouldMapNotFoundToEmpty(t *testing.T) {
	get := secretGetter(memStore{"a": "1"})
	if v, err := get("a"); v != "1" || err != nil {
		t.Errorf("get(a) = %q, %v", v, err)
	}
	if v, err := get("b"); v != "" || err != nil {
		t.Errorf("get(b) = %q, %v", v, err)
	}
}
