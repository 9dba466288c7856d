package market

// AccessControl holds the single arbiter principal. The arbiter identity is
// fixed at construction; there is no transfer-of-arbiter operation.
type AccessControl struct {
	arbiter [20]byte
}

// NewAccessControl constructs the role table with the provisioned arbiter.
func NewAccessControl(arbiter [20]byte) *AccessControl {
	return &AccessControl{arbiter: arbiter}
}

// IsArbiter reports whether the caller is the provisioned arbiter.
func (a *AccessControl) IsArbiter(caller [20]byte) bool {
	if a == nil {
		return false
	}
	return a.arbiter == caller
}

// Arbiter returns the provisioned arbiter address.
func (a *AccessControl) Arbiter() [20]byte {
	if a == nil {
		return [20]byte{}
	}
	return a.arbiter
}
