// Package normalize turns TAS records into comparison-ready Local Store rows.
//
// Each entity has its own normalizer method. A normalizer runs the entity's
// field map, resolves user ids through the run's lookup cache, applies the
// entity's derivation rules and finally checks the required columns. Records
// that still miss a required column come back with an invalid Outcome and are
// never handed to the differ.
//
// Project taxonomy names are resolved by TaxonomyPrepass, which runs once over
// all projects before normalization and performs the only writes this package
// triggers.
package normalize
