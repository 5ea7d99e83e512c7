package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	dispatch "github.com/folbricht/dnsdispatch"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type queryOptions struct {
	tcp       bool
	timeout   time.Duration
	localAddr string
	debug     bool
}

func main() {
	cmd := &cobra.Command{
		Use:   "dnsdispatch <config>",
		Short: "DNS forwarder built on a query dispatch manager",
		Long: `DNS forwarder built on a query dispatch manager.

It listens for incoming DNS requests and forwards
them to upstream resolvers over UDP or TCP. Every
UDP query uses its own randomly chosen source port
and transaction id, TCP queries to the same server
share a connection while they are in flight.
`,
		Example:      `  dnsdispatch config.toml`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(args)
		},
	}

	var qopt queryOptions
	queryCmd := &cobra.Command{
		Use:     "query <server> <name> [type]",
		Short:   "Send a single query to a server",
		Example: `  dnsdispatch query 9.9.9.9 example.com AAAA`,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return query(qopt, args)
		},
		SilenceUsage: true,
	}
	queryCmd.Flags().BoolVar(&qopt.tcp, "tcp", false, "Query over TCP")
	queryCmd.Flags().DurationVar(&qopt.timeout, "timeout", 2*time.Second, "Query timeout")
	queryCmd.Flags().StringVar(&qopt.localAddr, "local-address", "", "Source IP of the query")
	queryCmd.Flags().BoolVar(&qopt.debug, "debug", false, "Log dispatch details")
	cmd.AddCommand(queryCmd)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(args []string) error {
	config, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	if err := configureLog(config.Log); err != nil {
		return err
	}

	mgr, err := newManager(config.Manager)
	if err != nil {
		return err
	}

	resolvers := make(map[string]*dispatch.Client)
	for id, r := range config.Resolvers {
		c, err := dispatch.NewClient(id, withPort(r.Address), mgr, dispatch.ClientOptions{
			Net:           r.Protocol,
			LocalAddr:     net.ParseIP(r.LocalAddr),
			QueryTimeout:  time.Duration(r.QueryTimeout) * time.Second,
			UDPDispatches: r.UDPSockets,
			TCPFallback:   r.TCPFallback,
		})
		if err != nil {
			return fmt.Errorf("failed to parse resolver config for '%s' : %w", id, err)
		}
		resolvers[id] = c
	}

	var listeners []dispatch.Listener
	for id, l := range config.Listeners {
		resolver, ok := resolvers[l.Resolver]
		if !ok {
			return fmt.Errorf("listener '%s' references non-existent resolver '%s'", id, l.Resolver)
		}
		allowedNet, err := parseCIDRList(l.AllowedNet)
		if err != nil {
			return err
		}
		opt := dispatch.ListenOptions{AllowedNet: allowedNet}
		switch l.Protocol {
		case "tcp", "udp":
			listeners = append(listeners, dispatch.NewDNSListener(id, l.Address, l.Protocol, opt, resolver))
		default:
			return fmt.Errorf("unsupported protocol '%s' for listener '%s'", l.Protocol, id)
		}
	}

	// Start the listeners
	for _, l := range listeners {
		go func(l dispatch.Listener) {
			for {
				err := l.Start()
				dispatch.Log.WithError(err).WithField("id", l.String()).Error("listener failed")
				time.Sleep(time.Second)
			}
		}(l)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	dispatch.Log.WithField("signal", s.String()).Info("stopping")

	for _, l := range listeners {
		_ = l.Stop()
	}
	mgr.Shutdown()
	for _, c := range resolvers {
		_ = c.Close()
	}
	return mgr.Close()
}

func query(opt queryOptions, args []string) error {
	if opt.debug {
		dispatch.Log.SetLevel(logrus.DebugLevel)
	}
	qtype := dns.TypeA
	if len(args) > 2 {
		t, ok := dns.StringToType[strings.ToUpper(args[2])]
		if !ok {
			return fmt.Errorf("unknown query type '%s'", args[2])
		}
		qtype = t
	}

	mgr, err := dispatch.NewManager("query", dispatch.ManagerOptions{})
	if err != nil {
		return err
	}
	network := "udp"
	if opt.tcp {
		network = "tcp"
	}
	c, err := dispatch.NewClient("query", withPort(args[0]), mgr, dispatch.ClientOptions{
		Net:          network,
		LocalAddr:    net.ParseIP(opt.localAddr),
		QueryTimeout: opt.timeout,
		TCPFallback:  true,
	})
	if err != nil {
		return err
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(args[1]), qtype)
	a, err := c.Resolve(q, dispatch.ClientInfo{})
	_ = c.Close()
	if cerr := mgr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Println(a)
	return nil
}

func configureLog(cfg logConfig) error {
	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		dispatch.Log.SetLevel(level)
	}
	if cfg.Syslog == nil {
		return nil
	}
	opt := dispatch.SyslogOptions{
		Network: cfg.Syslog.Network,
		Address: cfg.Syslog.Address,
		Tag:     cfg.Syslog.Tag,
	}
	if cfg.Syslog.Level != "" {
		level, err := logrus.ParseLevel(cfg.Syslog.Level)
		if err != nil {
			return err
		}
		opt.Level = &level
	}
	hook, err := dispatch.NewSyslogHook(opt)
	if err != nil {
		return fmt.Errorf("failed to initialize syslog: %w", err)
	}
	dispatch.Log.AddHook(hook)
	return nil
}

func newManager(cfg manager) (*dispatch.Manager, error) {
	v4, err := parsePortRange(cfg.V4Ports)
	if err != nil {
		return nil, err
	}
	v6, err := parsePortRange(cfg.V6Ports)
	if err != nil {
		return nil, err
	}
	opt := dispatch.ManagerOptions{
		V4Ports:      v4,
		V6Ports:      v6,
		QIDBuckets:   cfg.QIDBuckets,
		QIDIncrement: cfg.QIDIncrement,
	}
	rules := cfg.Blackhole
	if cfg.BlackholeFile != "" {
		fromFile, err := dispatch.NewFileLoader(cfg.BlackholeFile, dispatch.FileLoaderOptions{}).Load()
		if err != nil {
			return nil, err
		}
		rules = append(rules, fromFile...)
	}
	if len(rules) > 0 {
		db, err := dispatch.NewCidrDB("blackhole", dispatch.NewStaticLoader(rules))
		if err != nil {
			return nil, err
		}
		opt.Blackhole = db
	}
	return dispatch.NewManager("manager", opt)
}

// Adds the default DNS port to an address that doesn't have one.
func withPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), "53")
}

func parseCIDRList(networks []string) ([]*net.IPNet, error) {
	var result []*net.IPNet
	for _, s := range networks {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, nil
}
