package meta

import "fmt"

// KeyBase is the common prefix of all orchestrator keys in the store.
const KeyBase = "/jobdeck"

// SubmissionKeyPrefix is the prefix shared by all submission records.
func SubmissionKeyPrefix() string {
	return KeyBase + "/submissions/"
}

// SubmissionKey locates one submission record.
func SubmissionKey(id string) string {
	return SubmissionKeyPrefix() + id
}

// ApplicationKeyPrefix is the prefix shared by all versions of one
// application, or by all applications when id is empty.
func ApplicationKeyPrefix(id string) string {
	if id == "" {
		return KeyBase + "/applications/"
	}
	return fmt.Sprintf("%s/applications/%s/", KeyBase, id)
}

// ApplicationKey locates one immutable application version. Versions are
// zero-padded so lexicographic scan order equals version order.
func ApplicationKey(id string, version int64) string {
	return fmt.Sprintf("%s/applications/%s/%012d", KeyBase, id, version)
}
