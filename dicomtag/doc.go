// Package dicomtag provides the tag dictionary used to translate between
// numeric DICOM tags and their keyword aliases, plus the retrieve level
// hierarchy and its per-level keyword allow-lists.
//
// The dictionary is deliberately small: it covers exactly the tags the
// federation layer translates, filters, or injects. Lookups are pure and
// allocation-free; the package holds no mutable state.
package dicomtag
