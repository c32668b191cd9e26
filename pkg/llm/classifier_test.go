package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleClassifier(t *testing.T) {
	c := RuleClassifier{}
	got, err := c.Classify(context.Background(), []string{
		"docker ps -a",
		"docker kill tikv0",
		"docker start tikv0",
		"rm -rf /data",
		"tc qdisc add dev eth0 root netem delay 100ms",
		"make coffee",
	})
	require.NoError(t, err)

	assert.Equal(t, CategoryReadOnly, got["docker ps -a"])
	assert.Equal(t, CategoryProcessKill, got["docker kill tikv0"])
	assert.Equal(t, CategoryRestart, got["docker start tikv0"])
	assert.Equal(t, CategoryDataDeletion, got["rm -rf /data"])
	assert.Equal(t, CategoryNetworkChange, got["tc qdisc add dev eth0 root netem delay 100ms"])
	assert.Equal(t, CategoryOther, got["make coffee"])
}

func TestRuleClassifierDeterministic(t *testing.T) {
	// Scoring is idempotent: same input, bit-identical output.
	c := RuleClassifier{}
	in := []string{"docker kill tikv0", "docker ps", "docker kill tikv0"}

	first, err := c.Classify(context.Background(), in)
	require.NoError(t, err)
	second, err := c.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2, "duplicates collapse")
}

func TestDestructiveCategories(t *testing.T) {
	assert.True(t, CategoryProcessKill.Destructive())
	assert.True(t, CategoryDataDeletion.Destructive())
	assert.True(t, CategoryNetworkChange.Destructive())
	assert.False(t, CategoryReadOnly.Destructive())
	assert.False(t, CategoryRestart.Destructive())
	assert.False(t, CategoryOther.Destructive())
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, CategoryRestart, normalizeCategory("Restart"))
	assert.Equal(t, CategoryOther, normalizeCategory("demolition"))
	assert.Equal(t, CategoryOther, normalizeCategory(""))
}

func TestUniqueSorted(t *testing.T) {
	got := uniqueSorted([]string{"b", "a", "b", "c", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
