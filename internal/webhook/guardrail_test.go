package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `diff --git a/src/calc.py b/src/calc.py
--- a/src/calc.py
+++ b/src/calc.py
@@ -1,2 +1,2 @@
 def f(a, b):
-    return a - b
+    return a + b
`

func testGuardrail() *Guardrail {
	return &Guardrail{
		Sensitive: []string{".git", ".env", ".ssh", "credentials"},
		MaxBytes:  1024,
	}
}

func TestGuardrailAcceptsCleanPatch(t *testing.T) {
	reason, err := testGuardrail().Check(sampleDiff)
	require.NoError(t, err)
	assert.Empty(t, reason)
}

func TestGuardrailRejectsSensitivePath(t *testing.T) {
	diff := `--- a/.env
+++ b/.env
@@ -1 +1 @@
-API_KEY=old
+API_KEY=new
`
	reason, err := testGuardrail().Check(diff)
	require.Error(t, err)
	assert.Equal(t, ReasonSensitivePath, reason)
}

func TestGuardrailRejectsNestedSensitivePath(t *testing.T) {
	diff := `--- a/deploy/.ssh/known_hosts
+++ b/deploy/.ssh/known_hosts
@@ -1 +1 @@
-x
+y
`
	reason, err := testGuardrail().Check(diff)
	require.Error(t, err)
	assert.Equal(t, ReasonSensitivePath, reason)
}

func TestGuardrailRejectsOversizedPatch(t *testing.T) {
	g := testGuardrail()
	g.MaxBytes = 10
	reason, err := g.Check(sampleDiff)
	require.Error(t, err)
	assert.Equal(t, ReasonPatchTooLarge, reason)
}

func TestGuardrailRejectsEmptyPatch(t *testing.T) {
	reason, err := testGuardrail().Check("   \n")
	require.Error(t, err)
	assert.Equal(t, ReasonEmptyPatch, reason)
}

func TestGuardrailScope(t *testing.T) {
	g := testGuardrail()
	g.Scope = []string{"docs/"}

	reason, err := g.Check(sampleDiff)
	require.Error(t, err)
	assert.Equal(t, ReasonOutOfScope, reason)

	g.Scope = []string{"src/calc.py"}
	_, err = g.Check(sampleDiff)
	assert.NoError(t, err)

	g.Scope = []string{"src/"}
	_, err = g.Check(sampleDiff)
	assert.NoError(t, err)
}

func TestPatchPaths(t *testing.T) {
	paths := PatchPaths(sampleDiff)
	assert.Equal(t, []string{"src/calc.py"}, paths)

	multi := sampleDiff + `--- a/other/file.go
+++ b/other/file.go
@@ -1 +1 @@
-a
+b
`
	assert.ElementsMatch(t, []string{"src/calc.py", "other/file.go"}, PatchPaths(multi))

	// New files diff against /dev/null on the a side.
	created := `--- /dev/null
+++ b/new.txt
@@ -0,0 +1 @@
+hello
`
	assert.Equal(t, []string{"new.txt"}, PatchPaths(created))
}
