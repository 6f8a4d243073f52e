package rodbrowser

import (
	"testing"

	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlic/internal/browser"
)

func TestNewLauncherFlags(t *testing.T) {
	t.Parallel()

	opts := browser.DefaultOptions()
	opts.Proxy = &browser.Proxy{Host: "10.1.1.1", Port: "8080", Username: "u", Password: "p"}
	l := newLauncher(Config{}, opts, "/tmp/profile")

	require.Equal(t, "10.1.1.1:8080", l.Get(flags.ProxyServer))
	require.Equal(t, "/tmp/profile", l.Get(flags.UserDataDir))
	require.Equal(t, "1920,1080", l.Get(flags.Flag("window-size")))
	require.Equal(t, browser.DefaultUserAgent, l.Get(flags.Flag("user-agent")))
	require.True(t, l.Has(flags.NoSandbox))
	require.True(t, l.Has(flags.Headless))
}

func TestNewLauncherBlocksCookies(t *testing.T) {
	t.Parallel()

	opts := browser.DefaultOptions()
	require.False(t, newLauncher(Config{}, opts, "/tmp/p").Has(flags.Preferences))

	opts.DisableCookies = true
	opts.Headless = false
	l := newLauncher(Config{Bin: "/usr/bin/chromium"}, opts, "/tmp/p")
	require.JSONEq(t, blockCookies, l.Get(flags.Preferences))
	require.Equal(t, "/usr/bin/chromium", l.Get(flags.Bin))
	require.False(t, l.Has(flags.Headless))
}
