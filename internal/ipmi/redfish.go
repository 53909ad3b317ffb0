package ipmi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/common"
	"github.com/stmcginnis/gofish/redfish"
	"go.uber.org/zap"
)

// RedfishTransport drives BMCs through their Redfish service.
type RedfishTransport struct {
	insecure bool
	logger   *zap.Logger
}

// NewRedfishTransport creates a Redfish transport. insecure skips TLS
// verification, which factory BMC certificates need.
func NewRedfishTransport(insecure bool, logger *zap.Logger) *RedfishTransport {
	return &RedfishTransport{insecure: insecure, logger: logger}
}

func (t *RedfishTransport) Name() string { return "redfish" }

func (t *RedfishTransport) Do(ctx context.Context, address string, creds Credentials, action Action) error {
	client, err := gofish.ConnectContext(ctx, gofish.ClientConfig{
		Endpoint: "https://" + address,
		Username: creds.Username,
		Password: creds.Password,
		Insecure: t.insecure,
	})
	if err != nil {
		return redfishError("connect", err)
	}
	defer client.Logout()

	switch action.Kind {
	case ActionReset:
		return t.resetManagers(client)
	case ActionSetCredentials:
		return t.setCredentials(client, creds, action.Credentials)
	case ActionSetNetwork:
		// Redfish BMCs keep the address they were leased; the lease is
		// pinned by the allocator.
		t.logger.Debug("redfish BMC keeps leased address",
			zap.String("address", address),
			zap.String("requested", action.Network.Address),
		)
		return nil
	case ActionPowerControl:
		return t.powerControl(client, action.Power)
	default:
		return Rejected(ReasonUnsupported, fmt.Errorf("unknown action %s", action.Kind))
	}
}

func (t *RedfishTransport) resetManagers(client *gofish.APIClient) error {
	managers, err := client.Service.Managers()
	if err != nil {
		return redfishError("query managers", err)
	}
	if len(managers) == 0 {
		return Rejected(ReasonUnsupported, errors.New("no managers exposed"))
	}
	for _, m := range managers {
		if err := m.Reset(redfish.GracefulRestartResetType); err != nil {
			return redfishError("reset manager "+m.ID, err)
		}
	}
	return nil
}

func (t *RedfishTransport) setCredentials(client *gofish.APIClient, current, next Credentials) error {
	service, err := client.Service.AccountService()
	if err != nil {
		return redfishError("query account service", err)
	}
	accounts, err := service.Accounts()
	if err != nil {
		return redfishError("query accounts", err)
	}
	for _, account := range accounts {
		if account.UserName != current.Username {
			continue
		}
		if next.Username != "" {
			account.UserName = next.Username
		}
		account.Password = next.Password
		if err := account.Update(); err != nil {
			return redfishError("update account", err)
		}
		return nil
	}
	return Rejected(ReasonAuth, fmt.Errorf("account %q not found", current.Username))
}

func (t *RedfishTransport) powerControl(client *gofish.APIClient, op PowerOp) error {
	systems, err := client.Service.Systems()
	if err != nil {
		return redfishError("query systems", err)
	}

	var resetType redfish.ResetType
	switch op {
	case PowerOn:
		resetType = redfish.ForceOnResetType
	case PowerOff:
		resetType = redfish.ForceOffResetType
	case PowerCycle, PowerPXECycle:
		resetType = redfish.ForceRestartResetType
	default:
		return Rejected(ReasonUnsupported, fmt.Errorf("unknown power operation %q", op))
	}

	for _, system := range systems {
		if op == PowerPXECycle {
			err := system.SetBoot(redfish.Boot{
				BootSourceOverrideTarget:  redfish.PxeBootSourceOverrideTarget,
				BootSourceOverrideEnabled: redfish.OnceBootSourceOverrideEnabled,
			})
			if err != nil {
				return redfishError("set pxe boot", err)
			}
		}
		if err := system.Reset(resetType); err != nil {
			return redfishError("reset system "+system.ID, err)
		}
	}
	return nil
}

// redfishError turns HTTP refusals into rejections.
func redfishError(op string, err error) error {
	var rfErr *common.Error
	if errors.As(err, &rfErr) {
		switch rfErr.HTTPReturnedStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Rejected(ReasonAuth, fmt.Errorf("%s: %w", op, err))
		case http.StatusMethodNotAllowed, http.StatusNotImplemented:
			return Rejected(ReasonUnsupported, fmt.Errorf("%s: %w", op, err))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
