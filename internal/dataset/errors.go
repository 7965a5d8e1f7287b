package dataset

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Base errors. The API layer maps them to status codes.
var (
	// ErrBadParameter is rendered with the http status code 400
	ErrBadParameter = errors.New("bad parameter")

	// ErrNotFound is rendered with the http status code 404
	ErrNotFound = errors.New("not found")

	// ErrConflict is rendered with the http status code 409
	ErrConflict = errors.New("conflict")
)

var (
	ErrRunActive         = errors.Wrap(ErrConflict, "a staging or integration run is already active for this dataset type")
	ErrAttemptExists     = errors.Wrap(ErrConflict, "an upload attempt already exists for this dataset type")
	ErrStepOrder         = errors.Wrap(ErrBadParameter, "previous steps are not complete")
	ErrNotStaged         = errors.Wrap(ErrBadParameter, "upload attempt has not been staged")
	ErrResultSchemaDrift = errors.New("step result schema mismatch")

	// ErrStagingLost means the staging table no longer holds what step 3
	// recorded. The attempt has to be staged again.
	ErrStagingLost = errors.Wrap(ErrConflict, "staging table does not match the staging result, stage the dataset again")

	// ErrMissingFacilities matches any *MissingFacilitiesError.
	ErrMissingFacilities = errors.Wrap(ErrBadParameter, "staged data references missing facilities")
)

// MissingFacilitiesError reports facility ids that are present in the staging
// table but absent from the facilities master list.
type MissingFacilitiesError struct {
	FacilityIDs []string
}

func (e *MissingFacilitiesError) Error() string {
	return fmt.Sprintf("staged data references %d facilities that no longer exist: %s",
		len(e.FacilityIDs), strings.Join(e.FacilityIDs, ", "))
}

func (e *MissingFacilitiesError) Is(target error) bool {
	return target == ErrBadParameter || target == ErrMissingFacilities
}
