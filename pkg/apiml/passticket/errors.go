package passticket

import "fmt"

// Return code triples produced by LocalGenerator.
var (
	errParameterList      = [3]int{8, 8, 4}
	errNotConfigured      = [3]int{8, 16, 28}
	errEvaluationInvalid  = [3]int{16, 28, 0}
	errEvaluationReplayed = [3]int{16, 32, 0}
)

// Error is a coded failure of the platform PassTicket service.
type Error struct {
	SafRC   int
	RacfRC  int
	RacfRsn int
	UserID  string
	ApplID  string
}

func newError(rc [3]int, userID, applID string) *Error {
	return &Error{SafRC: rc[0], RacfRC: rc[1], RacfRsn: rc[2], UserID: userID, ApplID: applID}
}

func (e *Error) Error() string {
	return fmt.Sprintf("passticket for user %q and application %q failed (safRc=%d racfRc=%d racfRsn=%d): %s",
		e.UserID, e.ApplID, e.SafRC, e.RacfRC, e.RacfRsn, e.Code().Message)
}

// Code returns the table entry for the error's triple.
func (e *Error) Code() Code {
	return Lookup(e.SafRC, e.RacfRC, e.RacfRsn)
}
