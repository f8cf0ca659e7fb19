package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/sink"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// capture records a finite demo capture and returns the packet count.
func capture(t *testing.T, path string, extra ...string) int {
	t.Helper()
	args := append([]string{"capture", "--backend", "demo",
		"--set", "frames=300", "--set", "realtime=false", "--set", "inject_incomplete=true",
		"--record", path}, extra...)
	out, err := run(t, args...)
	require.NoError(t, err, out)

	var total, retained int
	_, err = fmt.Sscanf(out, "captured %d packets (%d retained)", &total, &retained)
	require.NoError(t, err, out)
	require.Positive(t, total)
	assert.Equal(t, total, retained)
	assert.Contains(t, out, fmt.Sprintf("recorded %d packets to %s", total, path))
	return total
}

func TestBackendsYAML(t *testing.T) {
	out, err := run(t, "backends", "-o", "yaml")
	require.NoError(t, err)

	var infos []backendInfo
	require.NoError(t, yaml.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "demo", infos[0].Name)
	assert.Equal(t, "builtin", infos[0].Source)
	require.NotEmpty(t, infos[0].Devices)
	assert.Equal(t, "demo0", infos[0].Devices[0].ID)

	keys := make([]string, 0)
	for _, o := range infos[0].Options {
		keys = append(keys, o.Key)
	}
	assert.Contains(t, keys, "frames")
	assert.Contains(t, keys, "speed")
}

func TestBackendsText(t *testing.T) {
	out, err := run(t, "backends")
	require.NoError(t, err)
	assert.Contains(t, out, "demo (builtin)")
	assert.Contains(t, out, "replay (builtin)")

	_, err = run(t, "backends", "-o", "xml")
	assert.Error(t, err)
}

func TestCaptureThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.upv")
	pcap := filepath.Join(dir, "bus.pcap")
	total := capture(t, path, "--pcap", pcap)

	info, err := os.Stat(pcap)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(24))

	out, err := run(t, "read", path, "--limit", "5")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, fmt.Sprintf("read %d packets, parsed %d packets from %s", total, total, path), lines[0])
	assert.Len(t, lines, 6)
}

func TestReadFiltersAsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.upv")
	capture(t, path)

	out, err := run(t, "read", path, "-o", "json", "--exclude", "SOF,Setup,In,Out,Ack,Nak", "--addr", "5:1", "-f", "array")
	require.NoError(t, err)

	sc := bufio.NewScanner(strings.NewReader(out))
	require.True(t, sc.Scan()) // summary line
	n := 0
	for sc.Scan() {
		var r sink.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		assert.Contains(t, []string{"Data", "Incomplete"}, r.Type)
		assert.EqualValues(t, 5, r.Address)
		assert.EqualValues(t, 1, r.Endpoint)
		assert.True(t, strings.HasPrefix(r.Payload, "0x"))
		n++
	}
	assert.Positive(t, n)
}

func TestExportSaveAs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.upv")
	capture(t, path)

	copyPath := filepath.Join(dir, "sof.upv")
	out, err := run(t, "export", path, "--save-as", copyPath,
		"--exclude", "Setup,In,Out,Data,Ack,Nak,Incomplete,Error,Unknown")
	require.NoError(t, err)

	var n int
	_, err = fmt.Sscanf(out, "exported %d packets", &n)
	require.NoError(t, err)
	require.Positive(t, n)

	out, err = run(t, "read", copyPath, "-o", "json")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, fmt.Sprintf("read %d packets, parsed %d packets from %s", n, n, copyPath), lines[0])
	for _, line := range lines[1:] {
		var r sink.Record
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		assert.Equal(t, "SOF", r.Type)
	}
	assert.Len(t, lines, n+1)
}

func TestExportRequiresOneTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.upv")
	capture(t, path)

	_, err := run(t, "export", path)
	assert.Error(t, err)
	_, err = run(t, "export", path, "--pcap", "a.pcap", "--save-as", "b.upv")
	assert.Error(t, err)
}

func TestStatsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.upv")
	total := capture(t, path)

	out, err := run(t, "stats", path, "-o", "json", "--bucket", "1ms")
	require.NoError(t, err)
	var res struct {
		Bucket  string `json:"bucket"`
		Packets int    `json:"packets"`
		Buckets []struct {
			Packets int `json:"packets"`
		} `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "1ms", res.Bucket)
	assert.Equal(t, total, res.Packets)

	sum := 0
	for _, b := range res.Buckets {
		sum += b.Packets
	}
	assert.Equal(t, total, sum)

	text, err := run(t, "stats", path)
	require.NoError(t, err)
	assert.Contains(t, text, "SOF")
	assert.Contains(t, text, "total")
}

func TestCaptureErrors(t *testing.T) {
	_, err := run(t, "capture", "--backend", "nosuch")
	assert.ErrorIs(t, err, core.ErrBackendNotFound)

	_, err = run(t, "capture", "--backend", "demo", "--set", "frames=-1")
	assert.ErrorIs(t, err, core.ErrInvalidOption)

	_, err = run(t, "capture", "--backend", "demo", "--set", "novalue")
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	_, err := run(t, "read", filepath.Join(t.TempDir(), "absent.upv"))
	assert.ErrorIs(t, err, core.ErrPersistenceRead)
}
