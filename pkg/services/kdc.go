package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/probe"
	"github.com/clusterup/clusterup/pkg/topology"
)

const krb5ConfTemplate = `[libdefaults]
 default_realm = ${realm}
 dns_lookup_realm = false
 dns_lookup_kdc = false
 ticket_lifetime = 24h
 forwardable = true

[realms]
 ${realm} = {
  kdc = localhost:${port}
  admin_server = localhost:${port}
 }
`

const kdcConfTemplate = `[kdcdefaults]
 kdc_ports = ${port}
 kdc_tcp_ports = ${port}

[realms]
 ${realm} = {
  database_name = ${db_dir}/principal
  key_stash_file = ${db_dir}/.k5.${realm}
  acl_file = ${db_dir}/kadm5.acl
  max_life = 24h 0m 0s
  max_renewable_life = 7d 0h 0m 0s
 }
`

// KDC builds a Kerberos KDC instance spec. It renders krb5.conf and
// kdc.conf into the working directory and publishes "realm" and
// "krb5_conf" for SASL/GSSAPI dependents. The Kerberos database is
// expected to be provisioned by the deploy step.
func KDC(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
	opts = opts.withDefaults()
	spec := baseSpec(decl, opts)
	if len(spec.Command) == 0 {
		spec.Command = []string{"krb5kdc", "-n"}
	}
	if spec.Env == nil {
		spec.Env = make(map[string]string)
	}
	if _, ok := spec.Env["KRB5_CONFIG"]; !ok {
		spec.Env["KRB5_CONFIG"] = "${krb5_conf}"
	}
	if _, ok := spec.Env["KRB5_KDC_PROFILE"]; !ok {
		spec.Env["KRB5_KDC_PROFILE"] = "${kdc_conf}"
	}
	spec.Probe = &probe.TCP{}

	renderer := opts.Renderer
	spec.Configure = func(_ context.Context, in *cluster.Instance, _ cluster.Projection) error {
		port, err := in.AllocatePort("port", portHint(decl.Config["port"]))
		if err != nil {
			return err
		}
		dbDir, err := in.MkPath("db", cluster.PathPerm)
		if err != nil {
			return err
		}

		realm := confOr(decl.Config, "realm", "TEST.CLUSTERUP.IO")
		subs := map[string]string{
			"realm":  realm,
			"port":   strconv.Itoa(port),
			"db_dir": dbDir,
		}

		krb5Path := filepath.Join(in.WorkDir(), "krb5.conf")
		if _, err := renderer.Render(krb5ConfTemplate, subs, krb5Path); err != nil {
			return fmt.Errorf("render krb5.conf: %w", err)
		}
		kdcPath := filepath.Join(in.WorkDir(), "kdc.conf")
		if _, err := renderer.Render(kdcConfTemplate, subs, kdcPath); err != nil {
			return fmt.Errorf("render kdc.conf: %w", err)
		}

		if err := in.SetConfig("realm", realm); err != nil {
			return err
		}
		if err := in.SetConfig("krb5_conf", krb5Path); err != nil {
			return err
		}
		return in.SetConfig("kdc_conf", kdcPath)
	}
	return spec, nil
}
