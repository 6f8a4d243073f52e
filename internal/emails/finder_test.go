package emails

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePage struct {
	mu      sync.Mutex
	pages   map[string]string
	fail    map[string]error
	visited []string
	current string
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visited = append(p.visited, url)
	if err, ok := p.fail[url]; ok {
		return err
	}
	p.current = url
	return nil
}

func (p *fakePage) CurrentMarkup(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages[p.current], nil
}

func (p *fakePage) navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

func newTestFinder(opts ...Option) *Finder {
	return NewFinder(Config{}, zap.NewNop(), opts...)
}

func TestFindMainPageShortCircuit(t *testing.T) {
	t.Parallel()

	page := &fakePage{pages: map[string]string{
		"https://acme.test": `<body><p>Write to hello@acmewidgets.io</p><a href="/contact">Contact</a></body>`,
	}}

	res, err := newTestFinder().Find(context.Background(), page, "https://acme.test")
	require.NoError(t, err)
	require.Equal(t, []string{"hello@acmewidgets.io"}, res.Emails)
	require.Equal(t, ProvenanceMainPage, res.Provenance)
	require.Equal(t, []string{"https://acme.test"}, page.navigations())
}

func TestFindFallsBackToContactPages(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		pages: map[string]string{
			"https://acme.test":            `<body><a href="/reach">Contact us</a><p>nothing here</p></body>`,
			"https://acme.test/reach":      `<body><p>no address</p></body>`,
			"https://acme.test/contact":    `<body><a href="mailto:Sales@Acme.test?subject=hi">mail</a></body>`,
			"https://acme.test/contact-us": `<body>late@acme.test</body>`,
		},
		fail: map[string]error{},
	}
	var progress []string
	finder := newTestFinder(WithProgress(func(msg string) { progress = append(progress, msg) }))

	res, err := finder.Find(context.Background(), page, "https://acme.test/")
	require.NoError(t, err)
	require.Equal(t, []string{"sales@acme.test"}, res.Emails)
	require.Equal(t, "contact_page:https://acme.test/contact", res.Provenance)
	require.Equal(t, []string{
		"https://acme.test/",
		"https://acme.test/reach",
		"https://acme.test/contact",
	}, page.navigations())
	require.Equal(t, []string{
		"Checking contact page https://acme.test/reach",
		"Checking contact page https://acme.test/contact",
	}, progress)
	require.Equal(t, []Candidate{{Address: "sales@acme.test", Provenance: res.Provenance}}, res.Candidates())
}

func TestFindSkipsFailingContactPages(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		pages: map[string]string{
			"https://acme.test":            `<body>welcome</body>`,
			"https://acme.test/contact-us": `<body><span data-mail="team@acme.test">x</span></body>`,
		},
		fail: map[string]error{"https://acme.test/contact": errors.New("net::ERR_NAME_NOT_RESOLVED")},
	}

	res, err := newTestFinder().Find(context.Background(), page, "https://acme.test")
	require.NoError(t, err)
	require.Equal(t, []string{"team@acme.test"}, res.Emails)
	require.Equal(t, "contact_page:https://acme.test/contact-us", res.Provenance)
}

func TestFindNothingFound(t *testing.T) {
	t.Parallel()

	page := &fakePage{pages: map[string]string{"https://acme.test": `<body>quiet</body>`}}

	res, err := newTestFinder().Find(context.Background(), page, "https://acme.test")
	require.NoError(t, err)
	require.Empty(t, res.Emails)
	require.Empty(t, res.Provenance)
	require.Len(t, page.navigations(), 1+DefaultConfig().MaxCandidates)
}

func TestFindMainPageFailureIsReturned(t *testing.T) {
	t.Parallel()

	boom := errors.New("timeout")
	page := &fakePage{fail: map[string]error{"https://acme.test": boom}}

	_, err := newTestFinder().Find(context.Background(), page, "https://acme.test")
	require.ErrorIs(t, err, boom)
}

func TestFindRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := newTestFinder().Find(context.Background(), &fakePage{}, "acme.test")
	require.Error(t, err)
}

func TestFindStopsWhenCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	page := &fakePage{pages: map[string]string{"https://acme.test": `<body>quiet</body>`}}
	finder := newTestFinder(WithProgress(func(string) { cancel() }))

	_, err := finder.Find(ctx, page, "https://acme.test")
	require.ErrorIs(t, err, context.Canceled)
	require.LessOrEqual(t, len(page.navigations()), 2)
}

func TestPrimary(t *testing.T) {
	t.Parallel()

	page := &fakePage{pages: map[string]string{
		"https://acme.test": `<body>first@acme.test then second@acme.test</body>`,
	}}
	addr, ok, err := newTestFinder().Primary(context.Background(), page, "https://acme.test")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first@acme.test", addr)

	empty := &fakePage{pages: map[string]string{"https://quiet.test": `<body>none</body>`}}
	_, ok, err = newTestFinder().Primary(context.Background(), empty, "https://quiet.test")
	require.NoError(t, err)
	require.False(t, ok)
}
