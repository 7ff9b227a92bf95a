package extensions

import (
	"context"

	"github.com/stephendonner/loads-broker/pkg/aws"
	"github.com/stephendonner/loads-broker/pkg/sshx"
)

// SSH applies host-level actions to a collection over SSH.
type SSH struct {
	runner *sshx.Runner
}

func NewSSH(runner *sshx.Runner) *SSH {
	return &SSH{runner: runner}
}

// ReloadSysctl applies /etc/sysctl.conf on every instance.
func (s *SSH) ReloadSysctl(ctx context.Context, c *aws.Collection) {
	c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		sess, err := s.runner.Connect(inst.PublicIP())
		if err != nil {
			return nil, err
		}
		defer sess.Close()
		return sess.Exec("sudo sysctl -p /etc/sysctl.conf")
	}, 0)
}
