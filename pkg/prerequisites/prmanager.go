package prerequisites

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/inkstone-labs/go-stack-deployer/pkg/stackmanager"
)

// ErrUnmet marks a failed preflight check. Callers abort before any provider
// mutation when they see it.
var ErrUnmet = errors.New("prerequisites not met")

// Manager runs the preflight checks.
type Manager struct {
	client CallerIdentityAPI
	logger zerolog.Logger
}

// NewManager creates a prerequisite manager.
func NewManager(client CallerIdentityAPI, logger zerolog.Logger) (*Manager, error) {
	if client == nil {
		return nil, errors.New("caller identity client (CallerIdentityAPI interface) cannot be nil")
	}
	return &Manager{
		client: client,
		logger: logger.With().Str("component", "PrerequisiteManager").Logger(),
	}, nil
}

// CallerAccount verifies that usable credentials are configured and returns
// the account id they belong to. The account id keys the account scope of the
// config document.
func (m *Manager) CallerAccount(ctx context.Context) (string, error) {
	out, err := m.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("%w: no usable credentials: %v", ErrUnmet, err)
	}
	accountID := aws.ToString(out.Account)
	m.logger.Info().Str("account_id", accountID).Str("caller", aws.ToString(out.Arn)).Msg("Credentials verified.")
	return accountID, nil
}

// VerifyTemplates checks that every descriptor's template reference can be
// located before any stack mutation is attempted. URL references are left to
// the provider to fetch.
func (m *Manager) VerifyTemplates(descriptors []stackmanager.Descriptor) error {
	var missing []string
	for _, descriptor := range descriptors {
		ref := descriptor.TemplateRef
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			continue
		}
		if _, err := os.Stat(ref); err != nil {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: template references cannot be located: %s", ErrUnmet, strings.Join(missing, ", "))
	}
	m.logger.Info().Int("templates", len(descriptors)).Msg("All template references located.")
	return nil
}
