/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import "context"

// Wrap creates a pipe that never blocks its writer.  Values that have not been
// picked up yet are replaced by newer ones, so a slow reader only ever sees
// the most recent value.  Closing the input channel closes the output.
func Wrap[T any](inputCh <-chan T) <-chan T {
	return WrapContext(context.Background(), inputCh)
}

// WrapContext is Wrap, but also stops (closing the output) when ctx is done.
func WrapContext[T any](ctx context.Context, inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			var pending T
			select {
			case v, ok := <-inputCh:
				if !ok {
					return
				}
				pending = v
			case <-ctx.Done():
				return
			}

			// hold the pending value until someone reads it, replacing it
			// whenever a newer one arrives first
			delivered := false
			for !delivered {
				select {
				case outputCh <- pending:
					delivered = true
				case v, ok := <-inputCh:
					if !ok {
						return
					}
					pending = v
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outputCh
}
