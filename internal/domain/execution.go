package domain

type ExecRequest struct {
	Code     string
	Language string
}

// ExecOutcome carries exactly one of Result or Error (IsError tells which,
// since an empty program output is a valid result).
type ExecOutcome struct {
	Result  string
	Error   string
	IsError bool
}

func ExecResult(out string) ExecOutcome { return ExecOutcome{Result: out} }

func ExecError(msg string) ExecOutcome { return ExecOutcome{Error: msg, IsError: true} }
