package playerdata

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Tnze/go-mc/nbt"

	"msmpbot/internal/onebot"
)

type fakeSender struct {
	texts []string
}

func (f *fakeSender) SendGroupMessage(_ context.Context, _ int64, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) last(t *testing.T) string {
	t.Helper()
	if len(f.texts) == 0 {
		t.Fatalf("no messages sent")
	}
	return f.texts[len(f.texts)-1]
}

type fakeRcon struct {
	commands []string
}

func (f *fakeRcon) Execute(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return "", nil
}

const testUUID = "11111111-2222-3333-4444-555555555555"

func writeTestDat(t *testing.T, path string) {
	t.Helper()
	d := &datFile{rootName: "", tags: map[string]nbt.RawMessage{}}
	d.setPosition(100.5, 64, -200.25)
	d.setDimension("minecraft:overworld")

	// An unrelated tag that a rewrite must not lose.
	xp := make([]byte, 4)
	binary.BigEndian.PutUint32(xp, 30)
	d.tags["XpLevel"] = nbt.RawMessage{Type: nbt.TagInt, Data: xp}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir playerdata: %v", err)
	}
	if err := d.write(path); err != nil {
		t.Fatalf("write test dat: %v", err)
	}
}

func newTestService(t *testing.T) (*Service, *fakeSender, *fakeRcon, string) {
	t.Helper()
	serverDir := t.TempDir()
	writeTestDat(t, filepath.Join(serverDir, "world", "playerdata", testUUID+".dat"))

	cache := `[{"name":"Steve","uuid":"` + testUUID + `","expiresOn":"2026-09-01 00:00:00 +0000"}]`
	if err := os.WriteFile(filepath.Join(serverDir, "usercache.json"), []byte(cache), 0o644); err != nil {
		t.Fatalf("write usercache: %v", err)
	}

	sender := &fakeSender{}
	exec := &fakeRcon{}
	svc := NewService(Config{
		Rcon:      exec,
		Sender:    sender,
		ServerDir: serverDir,
	})
	return svc, sender, exec, serverDir
}

func TestDatRoundTripPreservesUnknownTags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player.dat")
	writeTestDat(t, path)

	dat, err := readDat(path)
	if err != nil {
		t.Fatalf("read dat: %v", err)
	}
	x, y, z, err := dat.position()
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if x != 100.5 || y != 64 || z != -200.25 {
		t.Fatalf("unexpected position %v %v %v", x, y, z)
	}
	if dim := dat.dimension(); dim != "minecraft:overworld" {
		t.Fatalf("unexpected dimension %q", dim)
	}

	dat.setPosition(1, 2, 3)
	dat.setDimension("minecraft:the_nether")
	if err := dat.write(path); err != nil {
		t.Fatalf("rewrite dat: %v", err)
	}

	dat2, err := readDat(path)
	if err != nil {
		t.Fatalf("re-read dat: %v", err)
	}
	x, y, z, _ = dat2.position()
	if x != 1 || y != 2 || z != 3 {
		t.Fatalf("position not rewritten: %v %v %v", x, y, z)
	}
	if dim := dat2.dimension(); dim != "minecraft:the_nether" {
		t.Fatalf("dimension not rewritten: %q", dim)
	}
	xp, ok := dat2.tags["XpLevel"]
	if !ok || xp.Type != nbt.TagInt || binary.BigEndian.Uint32(xp.Data) != 30 {
		t.Fatalf("unrelated tag lost or mangled: %+v", xp)
	}
}

func TestGetPosByNameViaUsercache(t *testing.T) {
	svc, sender, _, _ := newTestService(t)

	if err := svc.handleGetPos(context.Background(), onebot.GroupMessage{GroupID: 1, UserID: 1}, "steve"); err != nil {
		t.Fatalf("getpos: %v", err)
	}
	got := sender.last(t)
	if !strings.Contains(got, "100.50") || !strings.Contains(got, "-200.25") || !strings.Contains(got, "主世界") {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestGetPosUnknownPlayer(t *testing.T) {
	svc, sender, _, _ := newTestService(t)

	if err := svc.handleGetPos(context.Background(), onebot.GroupMessage{GroupID: 1, UserID: 1}, "Nobody"); err != nil {
		t.Fatalf("getpos: %v", err)
	}
	if !strings.Contains(sender.last(t), "找不到玩家") {
		t.Fatalf("expected not-found reply, got %q", sender.last(t))
	}
}

func TestSetPosKicksAndRewrites(t *testing.T) {
	svc, sender, exec, serverDir := newTestService(t)
	ctx := context.Background()

	if err := svc.handleSetPos(ctx, onebot.GroupMessage{GroupID: 1, UserID: 9}, "Steve 10 70 -20 minecraft:the_end"); err != nil {
		t.Fatalf("setpos: %v", err)
	}
	if !strings.Contains(sender.last(t), "已修改") {
		t.Fatalf("expected success reply, got %q", sender.last(t))
	}
	if len(exec.commands) != 1 || !strings.HasPrefix(exec.commands[0], "kick Steve") {
		t.Fatalf("expected kick before rewrite, got %v", exec.commands)
	}

	dat, err := readDat(filepath.Join(serverDir, "world", "playerdata", testUUID+".dat"))
	if err != nil {
		t.Fatalf("read dat: %v", err)
	}
	x, y, z, _ := dat.position()
	if x != 10 || y != 70 || z != -20 {
		t.Fatalf("position not applied: %v %v %v", x, y, z)
	}
	if dim := dat.dimension(); dim != "minecraft:the_end" {
		t.Fatalf("dimension not applied: %q", dim)
	}
}

func TestSetPosBounds(t *testing.T) {
	svc, sender, exec, _ := newTestService(t)

	if err := svc.handleSetPos(context.Background(), onebot.GroupMessage{GroupID: 1, UserID: 9}, "Steve 0 999 0"); err != nil {
		t.Fatalf("setpos: %v", err)
	}
	if !strings.Contains(sender.last(t), "超出范围") {
		t.Fatalf("expected bounds reply, got %q", sender.last(t))
	}
	if len(exec.commands) != 0 {
		t.Fatalf("out-of-bounds setpos must not kick, got %v", exec.commands)
	}
}
