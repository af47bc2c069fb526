// Package pattern defines the record model shared by the coordinate index,
// the collapse engine, and the storage coordinator.
//
// A Memory is a structural or behavioral observation about analyzed
// code: a short label, a category, supporting evidence, a confidence score,
// and a fixed-dimension coordinate that embeds the pattern in the field's
// proximity space. Records are immutable once stored except by full
// replace-on-same-id.
//
// The package also defines FieldQuery, the canonical query form. Callers may
// submit a bare string; ParseQuery resolves it into a FieldQuery at the
// boundary so the engine never branches on input shape.
package pattern
