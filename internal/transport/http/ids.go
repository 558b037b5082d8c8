package http

import "github.com/google/uuid"

func newAccountID() string {
	return "acct_" + uuid.NewString()
}
