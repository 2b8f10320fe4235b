package errors

import "fmt"

// UnresolvedImport is reported when no resolver in the chain claims id.
func UnresolvedImport(id, importer string) *PreviewError {
	return NewResolutionError(
		ErrCodeUnresolvedImport,
		fmt.Sprintf("Failed to resolve import %q from %q. Does the file exist?", id, importer),
	).WithContext("id", id).WithContext("importer", importer)
}

// ReloadFailed is logged in the sandbox after a hot update could not be
// applied to an already running preview.
func ReloadFailed(path string) string {
	return fmt.Sprintf(
		"Failed to reload %s. This could be due to syntax errors or importing non-existent modules. (see errors above)",
		path,
	)
}

// DynamicImportFailed is logged once per module along the import chain when
// the very first render cannot be established.
func DynamicImportFailed(id string) string {
	return "Failed to fetch dynamically imported module: " + id
}
