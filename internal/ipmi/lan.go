package ipmi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	goipmi "github.com/bougou/go-ipmi"
	"go.uber.org/zap"
)

// LANTransport drives IPMI-over-LAN BMCs. Session-level chassis control
// goes through go-ipmi; BMC configuration commands go through ipmitool.
type LANTransport struct {
	binary  string
	port    int
	channel int
	userID  int
	logger  *zap.Logger
}

// NewLANTransport creates a LAN transport configuring the given LAN
// channel and user slot.
func NewLANTransport(binary string, channel, userID int, logger *zap.Logger) *LANTransport {
	if binary == "" {
		binary = "ipmitool"
	}
	return &LANTransport{
		binary:  binary,
		port:    623,
		channel: channel,
		userID:  userID,
		logger:  logger,
	}
}

func (t *LANTransport) Name() string { return "ipmi" }

func (t *LANTransport) Do(ctx context.Context, address string, creds Credentials, action Action) error {
	switch action.Kind {
	case ActionReset:
		_, err := t.runIPMITool(ctx, address, creds, "mc", "reset", "cold")
		return err
	case ActionSetCredentials:
		return t.setCredentials(ctx, address, creds, action.Credentials)
	case ActionSetNetwork:
		return t.setNetwork(ctx, address, creds, action.Network)
	case ActionPowerControl:
		return t.powerControl(ctx, address, creds, action.Power)
	default:
		return Rejected(ReasonUnsupported, fmt.Errorf("unknown action %s", action.Kind))
	}
}

func (t *LANTransport) setCredentials(ctx context.Context, address string, creds, next Credentials) error {
	id := strconv.Itoa(t.userID)
	if next.Username != "" && next.Username != creds.Username {
		if _, err := t.runIPMITool(ctx, address, creds, "user", "set", "name", id, next.Username); err != nil {
			return err
		}
	}
	if _, err := t.runIPMITool(ctx, address, creds, "user", "set", "password", id, next.Password); err != nil {
		return err
	}
	_, err := t.runIPMITool(ctx, address, creds, "user", "enable", id)
	return err
}

func (t *LANTransport) setNetwork(ctx context.Context, address string, creds Credentials, n NetworkSettings) error {
	ch := strconv.Itoa(t.channel)
	steps := [][]string{
		{"lan", "set", ch, "ipsrc", "static"},
		{"lan", "set", ch, "ipaddr", n.Address},
		{"lan", "set", ch, "netmask", n.Netmask},
	}
	if n.Gateway != "" {
		steps = append(steps, []string{"lan", "set", ch, "defgw", "ipaddr", n.Gateway})
	}
	for _, args := range steps {
		if _, err := t.runIPMITool(ctx, address, creds, args...); err != nil {
			return err
		}
	}
	return nil
}

func (t *LANTransport) powerControl(ctx context.Context, address string, creds Credentials, op PowerOp) error {
	var control goipmi.ChassisControl
	switch op {
	case PowerOn:
		control = goipmi.ChassisControlPowerUp
	case PowerOff:
		control = goipmi.ChassisControlPowerDown
	case PowerCycle:
		control = goipmi.ChassisControlPowerCycle
	case PowerPXECycle:
		if _, err := t.runIPMITool(ctx, address, creds, "chassis", "bootdev", "pxe"); err != nil {
			return err
		}
		control = goipmi.ChassisControlPowerCycle
	default:
		return Rejected(ReasonUnsupported, fmt.Errorf("unknown power operation %q", op))
	}

	client, err := goipmi.NewClient(address, t.port, creds.Username, creds.Password)
	if err != nil {
		return fmt.Errorf("create ipmi client: %w", err)
	}
	client.WithInterface(goipmi.InterfaceLanplus)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("ipmi session to %s: %w", address, err)
	}
	defer func() {
		if err := client.Close(ctx); err != nil {
			t.logger.Debug("closing ipmi session", zap.String("address", address), zap.Error(err))
		}
	}()

	if _, err := client.ChassisControl(ctx, control); err != nil {
		return fmt.Errorf("chassis control %s: %w", op, err)
	}
	return nil
}

// runIPMITool executes ipmitool against host. lanplus is tried first and
// legacy lan on failure, except when the session was refused.
func (t *LANTransport) runIPMITool(ctx context.Context, host string, creds Credentials, args ...string) (string, error) {
	cmdArgs := []string{
		"-I", "lanplus",
		"-H", host,
		"-U", creds.Username,
		"-P", creds.Password,
	}
	cmdArgs = append(cmdArgs, args...)

	command := strings.Join(redact(args), " ")
	t.logger.Debug("executing ipmitool", zap.String("host", host), zap.String("command", command))

	out, stderr, err := t.exec(ctx, cmdArgs)
	if _, refused := refusal(stderr); err != nil && ctx.Err() == nil && !refused {
		cmdArgs[1] = "lan"
		out, stderr, err = t.exec(ctx, cmdArgs)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ipmitool %s: %w", command, ctx.Err())
		}
		if reason, refused := refusal(stderr); refused {
			return "", Rejected(reason, fmt.Errorf("ipmitool %s: %s", command, stderr))
		}
		return "", fmt.Errorf("ipmitool %s: %w: %v, stderr: %s", command, ErrUnreachable, err, stderr)
	}
	return out, nil
}

// redact hides the secret of "user set password <id> <secret>".
func redact(args []string) []string {
	if len(args) == 5 && args[0] == "user" && args[1] == "set" && args[2] == "password" {
		out := append([]string(nil), args...)
		out[4] = "****"
		return out
	}
	return args
}

func (t *LANTransport) exec(ctx context.Context, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, t.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}
