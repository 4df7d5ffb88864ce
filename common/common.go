// Package common contains utilities shared across the whole project.
package common // import "github.com/boltconn/boltconn/common"

import (
	"fmt"

	"github.com/boltconn/boltconn/common/errors"
)

// ErrNoClue is for the situation that existing information is not enough to make a decision.
var ErrNoClue = errors.New("not enough information for making a decision")

// Must panics if err is not nil.
func Must(err error) {
	if err != nil {
		panic(fmt.Sprintf("%v", err))
	}
}

// Must2 panics if the second returned value of a function is not nil.
func Must2(v interface{}, err error) interface{} {
	Must(err)
	return v
}

// Error2 returns the err from the 2nd parameter.
func Error2(v interface{}, err error) error {
	return err
}
