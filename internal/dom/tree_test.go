package dom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, markup string) *Tree {
	t.Helper()
	tree, err := Parse(markup)
	require.NoError(t, err)
	return tree
}

func TestParseBuildsParentLinks(t *testing.T) {
	t.Parallel()

	tree := mustParse(t, `<div id="a"><p>one</p><p>two</p></div>`)
	div, ok := tree.Find(tree.Root(), func(id NodeID) bool { return tree.Tag(id) == "div" })
	require.True(t, ok)

	for _, child := range tree.Children(div) {
		require.Equal(t, div, tree.Parent(child))
	}
	require.Equal(t, "onetwo", tree.Text(div))
	v, ok := tree.Attr(div, "id")
	require.True(t, ok)
	require.Equal(t, "a", v)
}

func TestHasClassMatchesTokens(t *testing.T) {
	t.Parallel()

	tree := mustParse(t, `<div class="wide post-content dark"></div>`)
	div, ok := tree.Find(tree.Root(), func(id NodeID) bool { return tree.Tag(id) == "div" })
	require.True(t, ok)
	require.True(t, tree.HasClass(div, "post-content"))
	require.False(t, tree.HasClass(div, "post"))
}

func TestUnwrapPromotesChildren(t *testing.T) {
	t.Parallel()

	tree := mustParse(t, `<div><b>x<i>y</i></b>z</div>`)
	div, _ := tree.Find(tree.Root(), func(id NodeID) bool { return tree.Tag(id) == "div" })
	b, _ := tree.Find(div, func(id NodeID) bool { return tree.Tag(id) == "b" })

	tree.Unwrap(b)

	require.False(t, tree.Attached(b))
	require.Equal(t, "<div>x<i>y</i>z</div>", tree.Render(div, RenderOptions{}))
	for _, child := range tree.Children(div) {
		require.Equal(t, div, tree.Parent(child))
	}
}

func TestRemoveDetachesSubtree(t *testing.T) {
	t.Parallel()

	tree := mustParse(t, `<div><nav><a href="/x">x</a></nav><p>keep</p></div>`)
	div, _ := tree.Find(tree.Root(), func(id NodeID) bool { return tree.Tag(id) == "div" })
	nav, _ := tree.Find(div, func(id NodeID) bool { return tree.Tag(id) == "nav" })
	link, _ := tree.Find(nav, func(id NodeID) bool { return tree.Tag(id) == "a" })

	tree.Remove(nav)

	require.False(t, tree.Attached(nav))
	require.False(t, tree.Attached(link))
	require.False(t, tree.HasDescendant(div, "a"))
	require.Equal(t, "<div><p>keep</p></div>", tree.Render(div, RenderOptions{}))
}

func TestTextRunsSkipsTags(t *testing.T) {
	t.Parallel()

	tree := mustParse(t, `<div>a<script>var x;</script><style>p{}</style>b</div>`)
	div, _ := tree.Find(tree.Root(), func(id NodeID) bool { return tree.Tag(id) == "div" })

	runs := tree.TextRuns(div, map[string]bool{"script": true, "style": true})
	require.Equal(t, []string{"a", "b"}, runs)
}

func TestRenderEscapesAndOverridesRoot(t *testing.T) {
	t.Parallel()

	tree := mustParse(t, `<article class="c"><a href="/q?a=1&amp;b=&quot;2&quot;">1 &lt; 2 &amp; 3</a><br></article>`)
	art, _ := tree.Find(tree.Root(), func(id NodeID) bool { return tree.Tag(id) == "article" })

	got := tree.Render(art, RenderOptions{RootTag: "div"})
	require.Equal(t, `<div class="c"><a href="/q?a=1&amp;b=&quot;2&quot;">1 &lt; 2 &amp; 3</a><br></div>`, got)
}

func TestHasText(t *testing.T) {
	t.Parallel()

	tree := mustParse(t, `<div><span> </span><p>
	</p></div>`)
	div, _ := tree.Find(tree.Root(), func(id NodeID) bool { return tree.Tag(id) == "div" })
	require.False(t, tree.HasText(div))
}
