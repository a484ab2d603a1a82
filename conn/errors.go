// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"

	"github.com/bufbuild/crawlhttp/fetcherr"
)

// classify wraps err from operation op in the matching fetcherr kind.
// Errors that already carry a kind, like Protocol errors from the message
// package, are returned as they are.
func classify(ctx context.Context, op string, err error) error {
	var fetchErr *fetcherr.Error
	if errors.As(err, &fetchErr) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fetcherr.New(fetcherr.TimedOut, op, ctxErr)
		}
		return fetcherr.New(fetcherr.Network, op, ctxErr)
	}
	switch {
	case isVerificationError(err):
		return fetcherr.New(fetcherr.SSLVerification, op, err)
	case isTimeout(err):
		return fetcherr.New(fetcherr.TimedOut, op, err)
	default:
		return fetcherr.New(fetcherr.Network, op, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isVerificationError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}
