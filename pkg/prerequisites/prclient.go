// Package prerequisites runs the preflight checks that gate every mutating
// command: valid credentials and locatable stack templates.
package prerequisites

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// CallerIdentityAPI is the credential-probe capability set: one call that
// fails fast when no usable credentials are configured and otherwise yields
// the account id the run operates in.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

var _ CallerIdentityAPI = (*sts.Client)(nil)

// NewCallerIdentityClient builds the real STS client.
func NewCallerIdentityClient(cfg aws.Config) CallerIdentityAPI {
	return sts.NewFromConfig(cfg)
}
