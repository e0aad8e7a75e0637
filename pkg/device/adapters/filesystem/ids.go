package filesystem

import "github.com/google/uuid"

// randomID returns a short random token used to name temp files, poison
// files, and lockfiles, grounded on the teacher's use of google/uuid for
// generated identifiers (see pkg/messaging/adapters/kafka).
func randomID() string {
	return uuid.New().String()
}
