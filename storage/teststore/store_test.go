// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package teststore

import (
	"testing"

	"github.com/depotd/depot/storage/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, New())
}
