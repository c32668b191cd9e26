package invariant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/models"
)

func noViolations(models.Observation) []Violation { return nil }

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Invariant{
		Name:        "stores-up",
		SubjectName: "tikv",
		Severity:    models.SeverityCritical,
		Evaluate:    noViolations,
	})
	require.NoError(t, err)
	assert.Len(t, r.All(), 1)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	inv := Invariant{
		Name:        "stores-up",
		SubjectName: "tikv",
		Severity:    models.SeverityCritical,
		Evaluate:    noViolations,
	}
	require.NoError(t, r.Register(inv))
	assert.Error(t, r.Register(inv))
}

func TestRegistryRejectsInvalid(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(Invariant{
		Severity: models.SeverityInfo, Evaluate: noViolations,
	}), "empty name")

	assert.Error(t, r.Register(Invariant{
		Name: "x", Severity: models.SeverityInfo,
	}), "nil evaluate")

	assert.Error(t, r.Register(Invariant{
		Name: "x", Severity: "panic", Evaluate: noViolations,
	}), "unknown severity")
}
