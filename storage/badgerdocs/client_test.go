// Copyright (C) 2019 Depot Labs, Inc.
// See LICENSE for copying information.

package badgerdocs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/depotd/depot/internal/testcontext"
	"github.com/depotd/depot/storage/testsuite"
)

func TestSuite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, err := New(ctx.Dir("docs"))
	require.NoError(t, err)
	defer ctx.Check(client.Close)

	testsuite.RunTests(t, client)
}
