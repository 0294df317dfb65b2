package sandbox

import "fmt"

// ProvisioningError is returned when an environment could not be built.
type ProvisioningError struct {
	Hash string
	Log  string
	Err  error
}

func (e *ProvisioningError) Error() string {
	if e.Log != "" {
		return fmt.Sprintf("provision environment %s: %v: %s", e.Hash, e.Err, e.Log)
	}
	return fmt.Sprintf("provision environment %s: %v", e.Hash, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
