package content

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pewcast/internal/client"
	logx "pewcast/pkg/logx"
)

func TestOpenAndPick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.yaml")
	body := "Crypto:\n  - text: gm\n    media: https://example.org/a.jpg\ndefault:\n  - text: hello\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	got, err := c.Pick(ctx, " crypto ")
	if err != nil {
		t.Fatalf("Pick(crypto): %v", err)
	}
	if got.Text != "gm" || got.Media == "" {
		t.Fatalf("Pick(crypto) = %+v", got)
	}
	got, err = c.Pick(ctx, "gaming")
	if err != nil || got.Text != "hello" {
		t.Fatalf("Pick(gaming) = %+v, %v; want default entry", got, err)
	}
}

func TestReloadKeepsPreviousOnBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.yaml")
	_ = os.WriteFile(path, []byte("crypto:\n  - text: one\n"), 0o600)
	c, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = os.WriteFile(path, []byte("crypto:\n  - media: \"\"\n"), 0o600)
	if err := c.Reload(); err == nil {
		t.Fatal("Reload accepted an empty item")
	}
	if got, _ := c.Pick(context.Background(), "crypto"); got.Text != "one" {
		t.Fatalf("Pick after failed reload = %+v", got)
	}
}

func TestStaticNoContent(t *testing.T) {
	c := Static(map[string][]client.Content{"crypto": {{Text: "x"}}})
	if _, err := c.Pick(context.Background(), "gaming"); !errors.Is(err, ErrNoContent) {
		t.Fatalf("Pick(gaming) = %v, want ErrNoContent", err)
	}
}
