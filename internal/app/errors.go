package app

import (
	"fmt"
	"log"
)

// Symbolic error codes returned in the response envelope. Clients branch on
// the string, so these are part of the API contract.
const (
	codeOK              = "ok"
	codeParamsInvalid   = "params.invalid"
	codeEmailInvalid    = "params.email.invalid"
	codeNicknameInvalid = "params.nickname.invalid"
	codePasswordError   = "params.password.error"
	codePasswordInvalid = "params.password.invalid"
	codeUserExist       = "params.user.exist"
	codeNoUser          = "params.no_user"
	codeNeedLogin       = "user.need_login"
	codePermission      = "permission"
	codeDBError         = "db.error"
	codeException       = "exception"
)

type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

func errParamsInvalid() *DomainError {
	return domainError(codeParamsInvalid, "invalid parameters")
}

func errNeedLogin() *DomainError {
	return domainError(codeNeedLogin, "login required")
}

// dbError wraps a store failure. The cause is logged server-side; the
// envelope only carries the generic code and message.
func dbError(err error) *DomainError {
	log.Printf("store error: %v", err)
	return domainError(codeDBError, "database error, please retry")
}
