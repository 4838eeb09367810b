package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/clinic-crm/internal/reconcile"
	"github.com/sells-group/clinic-crm/internal/scorer"
)

const header = "환자 번호,환자명,연락처,생년월일,진료일,총 매출,할인금,환불금,미수금,담당의,방문 목적,환자태그\n"

// resetFlags restores every flag to its default so runs do not leak into
// each other through the package-level commands.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(args ...string) error {
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("CLINIC_STORE_DRIVER", "sqlite")
	t.Setenv("CLINIC_STORE_PATH", filepath.Join(dir, "clinic.db"))
	t.Setenv("CLINIC_LOG_LEVEL", "error")

	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(data, name), []byte(body), 0o644))
	}
	write("2025-11-03_2025-11-09_신규데이터.csv", header+
		`="00012",김민지,010-1111-2222,1990-02-02,2025-11-03,300000,0,0,0,원장A,시술,`+"\n"+
		`="00015",이서준,010-3333-4444,,2025-11-04,50000,0,0,0,원장B,상담,`+"\n")
	write("2025-11-10_2025-11-16_신규데이터.csv", header+
		`="00021",박지훈,010-5555-6666,,2025-11-10,800000,0,0,0,원장A,시술,`+"\n"+
		`="00012",김민지,010-1111-2222,1990-02-02,2025-11-12,100000,0,0,0,원장A,시술,`+"\n")
	write("환자정보_2025-11-17T09_00_00.000.csv", "환자번호,환자명,환자태그\n12,김민지,lung\n")
	write("notes.txt", "ignored")
	return dir
}

func readJSON[T any](t *testing.T, path string) T {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestCommands_EndToEnd(t *testing.T) {
	dir := setupWorkspace(t)
	out := func(name string) string { return filepath.Join(dir, "out", name) }

	// Reconcile discovers both weekly exports and applies them in order.
	require.NoError(t, execute("reconcile", "-o", out("reconcile.json")))
	sums := readJSON[[]reconcile.Summary](t, out("reconcile.json"))
	require.Len(t, sums, 2)
	assert.Equal(t, "2025-11-03_2025-11-09", sums[0].BatchID)
	assert.Equal(t, 2, sums[0].NewPatients)
	assert.Equal(t, 1, sums[1].NewPatients)

	// A second run is a no-op for both batches.
	require.NoError(t, execute("reconcile", "-o", out("again.json")))
	for _, s := range readJSON[[]reconcile.Summary](t, out("again.json")) {
		assert.True(t, s.Duplicate, s.BatchID)
	}

	require.NoError(t, execute("tags", "-o", out("tags.json")))
	tags := readJSON[reconcile.TagSummary](t, out("tags.json"))
	assert.Equal(t, 1, tags.Updated)

	require.NoError(t, execute("snapshot", "--as-of", "2025-11-09", "-o", out("s1.json")))
	require.Error(t, execute("snapshot", "--as-of", "2025-11-09", "-o", out("dup.json")))
	require.NoError(t, execute("snapshot", "--as-of", "2025-11-17", "-o", out("s2.json")))

	require.NoError(t, execute("diff", "-o", out("diff.csv")))
	diff, err := os.ReadFile(out("diff.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(diff), "key,name,status,from,to"))
	assert.Contains(t, string(diff), "tel:01055556666,박지훈,new")

	require.Error(t, execute("diff", "--current", "2025-11-17"))

	require.NoError(t, execute("score", "--as-of", "2025-11-17", "--save", "-o", out("scores.xlsx")))
	wb, err := xlsx.OpenFile(out("scores.xlsx"))
	require.NoError(t, err)
	assert.Contains(t, wb.Sheet, "All")
	assert.Contains(t, wb.Sheet, "Weights")
	assert.Equal(t, 4, wb.Sheet["All"].MaxRow) // header + 3 patients

	require.NoError(t, execute("score", "--latest", "-o", out("latest.json")))
	latest := readJSON[scorer.Report](t, out("latest.json"))
	assert.Equal(t, 3, latest.Population)
	require.Error(t, execute("score", "--latest", "--save"))

	require.NoError(t, execute("kpi", "--month", "2025-11", "-o", out("kpi.yaml")))
	kpi, err := os.ReadFile(out("kpi.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(kpi), "visits: 4")
	assert.Contains(t, string(kpi), "new_patients: 3")

	require.Error(t, execute("kpi"))
	require.Error(t, execute("kpi", "--month", "2025-11", "--start", "2025-11-01"))
}

func TestReconcile_ExplicitFiles(t *testing.T) {
	dir := setupWorkspace(t)
	file := filepath.Join(dir, "data", "2025-11-10_2025-11-16_신규데이터.csv")

	require.NoError(t, execute("reconcile", file, "--format", "json", "-o", filepath.Join(dir, "one.json")))
	sums := readJSON[[]reconcile.Summary](t, filepath.Join(dir, "one.json"))
	require.Len(t, sums, 1)
	assert.Equal(t, "2025-11-10_2025-11-16", sums[0].BatchID)
}

func TestReconcile_BadFormat(t *testing.T) {
	setupWorkspace(t)
	err := execute("reconcile", "--format", "pdf", "-o", "x.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}
