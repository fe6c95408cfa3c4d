package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docopt/docopt-go"

	"github.com/bringyour/htsp/htsp"
)

const DefaultTimeout = 30 * time.Second

var errNoUrl = errors.New("Either --url or --page_url is required.")

type fileConfig struct {
	Url        string `toml:"url"`
	PageUrl    string `toml:"page_url"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	Token      string `toml:"token"`
	ClientName string `toml:"client_name"`
	Timeout    string `toml:"timeout"`
}

type ctlConfig struct {
	Url        string
	PageUrl    string
	Username   string
	Password   string
	Token      string
	ClientName string
	Timeout    time.Duration
}

func defaultCtlConfig() *ctlConfig {
	return &ctlConfig{
		ClientName: fmt.Sprintf("htspctl %s", HtspCtlVersion),
		Timeout:    DefaultTimeout,
	}
}

// overlays the values defined in the toml file at `path` on the defaults
func loadCtlConfig(path string) (*ctlConfig, error) {
	config := defaultCtlConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load htspctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); 0 < len(undecoded) {
		return nil, fmt.Errorf("load htspctl config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("url") {
		config.Url = strings.TrimSpace(raw.Url)
	}
	if meta.IsDefined("page_url") {
		config.PageUrl = strings.TrimSpace(raw.PageUrl)
	}
	if meta.IsDefined("username") {
		config.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("password") {
		config.Password = raw.Password
	}
	if meta.IsDefined("token") {
		config.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("client_name") {
		config.ClientName = strings.TrimSpace(raw.ClientName)
	}
	if meta.IsDefined("timeout") {
		timeout, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return nil, fmt.Errorf("load htspctl config: timeout: %w", err)
		}
		config.Timeout = timeout
	}
	return config, nil
}

// command line options override the file
func (self *ctlConfig) applyOpts(opts docopt.Opts) error {
	if url, err := opts.String("--url"); err == nil {
		self.Url = url
		self.PageUrl = ""
	}
	if pageUrl, err := opts.String("--page_url"); err == nil {
		self.PageUrl = pageUrl
		self.Url = ""
	}
	if user, err := opts.String("--user"); err == nil {
		self.Username = user
	}
	if password, err := opts.String("--password"); err == nil {
		self.Password = password
	}
	if token, err := opts.String("--token"); err == nil {
		self.Token = token
	}
	if timeoutStr, err := opts.String("--timeout"); err == nil {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return fmt.Errorf("Invalid timeout (%s).", err)
		}
		self.Timeout = timeout
	}
	return nil
}

func (self *ctlConfig) WsUrl() (string, error) {
	if self.Url != "" {
		return self.Url, nil
	}
	if self.PageUrl != "" {
		return htsp.WsUrlFromPage(self.PageUrl)
	}
	return "", errNoUrl
}

func (self *ctlConfig) Auth() *htsp.ClientAuth {
	if self.Token == "" && self.Username == "" {
		return nil
	}
	return &htsp.ClientAuth{
		Username: self.Username,
		Password: self.Password,
		Token:    self.Token,
	}
}
