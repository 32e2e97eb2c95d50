package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// hclConfig mirrors fileConfig using HCL blocks:
//
//	listen-address = ":8085"
//	upstream "http" {
//	  address  = "proxy-main-entry:8085"
//	  password = env("UPSTREAM_PASSWORD")
//	}
type hclConfig struct {
	ListenAddress            *string        `hcl:"listen-address,optional"`
	ClientTimeoutSeconds     *int           `hcl:"client-timeout-seconds,optional"`
	UpstreamTimeoutSeconds   *int           `hcl:"upstream-timeout-seconds,optional"`
	AcceptTimeoutSeconds     *int           `hcl:"accept-timeout-seconds,optional"`
	TunnelBufferSize         *int           `hcl:"tunnel-buffer-size,optional"`
	MaxConcurrentConnections *int           `hcl:"max-concurrent-connections,optional"`
	AcceptRate               *float64       `hcl:"accept-rate,optional"`
	AcceptBurst              *int           `hcl:"accept-burst,optional"`
	TunnelFailover           *bool          `hcl:"tunnel-failover,optional"`
	ProxyAgent               *string        `hcl:"proxy-agent,optional"`
	UserAgents               []string       `hcl:"user-agents,optional"`
	Upstreams                []hclUpstream  `hcl:"upstream,block"`
	DNS                      *DNSConfig     `hcl:"dns,block"`
	Statistics               *hclStatistics `hcl:"statistics,block"`
}

type hclUpstream struct {
	Type      string  `hcl:"type,label"`
	Address   string  `hcl:"address,optional"`
	Username  *string `hcl:"username,optional"`
	Password  *string `hcl:"password,optional"`
	ForceIPv4 bool    `hcl:"force-ipv4,optional"`
}

type hclStatistics struct {
	Enabled        *bool   `hcl:"enabled,optional"`
	Backend        *string `hcl:"backend,optional"`
	SQLitePath     *string `hcl:"sqlite-path,optional"`
	PostgresDSN    *string `hcl:"postgres-dsn,optional"`
	MetricsAddress *string `hcl:"metrics-address,optional"`
}

// envFunc exposes env("NAME") to HCL files, the HCL counterpart of the
// {"_secret": "NAME"} indirection in JSON configs.
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		name := args[0].AsString()
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return cty.NilVal, fmt.Errorf("secret %s not set", name)
		}
		return cty.StringVal(val), nil
	},
})

func hclEvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

func loadHCLConfig(configPath string, cfg *Config) error {
	data, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	var hc hclConfig
	if err := hclsimple.Decode(configPath, data, hclEvalContext(), &hc); err != nil {
		return fmt.Errorf("failed to decode HCL config: %w", err)
	}

	fc := fileConfig{
		ListenAddress:            hc.ListenAddress,
		ClientTimeoutSeconds:     hc.ClientTimeoutSeconds,
		UpstreamTimeoutSeconds:   hc.UpstreamTimeoutSeconds,
		AcceptTimeoutSeconds:     hc.AcceptTimeoutSeconds,
		TunnelBufferSize:         hc.TunnelBufferSize,
		MaxConcurrentConnections: hc.MaxConcurrentConnections,
		AcceptRate:               hc.AcceptRate,
		AcceptBurst:              hc.AcceptBurst,
		TunnelFailover:           hc.TunnelFailover,
		ProxyAgent:               hc.ProxyAgent,
		UserAgents:               hc.UserAgents,
		DNS:                      hc.DNS,
	}
	for _, u := range hc.Upstreams {
		fc.Upstreams = append(fc.Upstreams, fileUpstream(u))
	}
	if s := hc.Statistics; s != nil {
		fs := fileStatistics(*s)
		fc.Statistics = &fs
	}
	return fc.apply(cfg)
}
