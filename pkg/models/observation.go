package models

// Observation is one JSON-serialisable snapshot of a subject's state,
// produced by Subject.Observe and consumed by invariant evaluation and
// trial snapshots. Contents are subject-specific.
type Observation map[string]any
