package logging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"
)

func TestRedactPrivateKey(t *testing.T) {
	t.Parallel()

	in := "Processing wallet with key 0x" + strings.Repeat("a", 64)
	got := Redact(in)
	want := "Processing wallet with key 0x[REDACTED]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRedactAssignment(t *testing.T) {
	t.Parallel()

	in := "secret=" + strings.Repeat("Yg", 13) // 26 chars, base64-ish
	got := Redact(in)
	if got != "secret=[REDACTED]" {
		t.Errorf("got %q", got)
	}

	in = "passphrase: supersecretvaluethatislong123"
	if got := Redact(in); !strings.HasSuffix(got, "[REDACTED]") || !strings.HasPrefix(got, "passphrase: ") {
		t.Errorf("got %q", got)
	}
}

func TestRedactLongBase64KeepsPrefix(t *testing.T) {
	t.Parallel()

	blob := strings.Repeat("QWER", 12) // 48 chars
	got := Redact("token " + blob)
	want := "token " + blob[:8] + "…[REDACTED]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRedactLeavesOrdinaryTextAlone(t *testing.T) {
	t.Parallel()

	in := "order placed price=0.55 size=100"
	if got := Redact(in); got != in {
		t.Errorf("ordinary text mangled: %q", got)
	}
}

func TestRedactRandomBlobsProperty(t *testing.T) {
	t.Parallel()

	hexDigits := "0123456789abcdef"
	for i := 0; i < 200; i++ {
		var b strings.Builder
		b.WriteString("0x")
		for j := 0; j < 64; j++ {
			b.WriteByte(hexDigits[rand.IntN(len(hexDigits))])
		}
		key := b.String()
		if strings.Contains(Redact("k "+key), key[2:]) {
			t.Fatalf("hex key survived redaction: %s", key)
		}
	}

	for i := 0; i < 200; i++ {
		raw := make([]byte, 30+rand.IntN(30))
		for j := range raw {
			raw[j] = byte(rand.IntN(256))
		}
		blob := base64.RawURLEncoding.EncodeToString(raw) // >= 40 chars
		if out := Redact("blob " + blob); strings.Contains(out, blob) {
			t.Fatalf("base64 blob survived redaction: %s", blob)
		}
	}
}

func TestLoggerRedactsAttributesAndMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(&buf, "info")
	key := "0x" + strings.Repeat("b", 64)

	logger.Info("loaded wallet "+key, "private_key", key)

	line := buf.String()
	if strings.Contains(line, strings.Repeat("b", 64)) {
		t.Fatalf("key leaked: %s", line)
	}
	if !strings.Contains(line, "0x[REDACTED]") {
		t.Errorf("expected redaction marker in %s", line)
	}
}

func TestLoggerCorrelationID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(&buf, "info")

	ctx := WithCorrelationID(context.Background(), "cid-123")
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["correlation_id"] != "cid-123" {
		t.Errorf("correlation_id = %v", rec["correlation_id"])
	}
}

func TestCorrelationIDHelpers(t *testing.T) {
	t.Parallel()

	if CorrelationID(context.Background()) != "" {
		t.Error("empty context should have no correlation id")
	}
	id := NewCorrelationID()
	if id == "" || id == NewCorrelationID() {
		t.Error("ids should be non-empty and unique")
	}
	ctx := WithCorrelationID(context.Background(), id)
	if CorrelationID(ctx) != id {
		t.Error("round trip failed")
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info line emitted at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn line missing")
	}
}
