package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// forkedTree has an edited first user message: u1 and its edit u1b both hang off
// the root, each with its own answer.
func forkedTree(t *testing.T) *Tree {
	tree, err := NewTreeFromMessages(
		msgAt("u1", NullNode, RoleUser, "hi", 0),
		msgAt("a1", "u1", RoleAssistant, "hello", 1),
		msgAt("u1b", NullNode, RoleUser, "hi, edited", 2),
		msgAt("a1b", "u1b", RoleAssistant, "hello again", 3),
	)
	require.NoError(t, err)
	return tree
}

func TestBuildChainEmptyTree(t *testing.T) {
	require.Empty(t, BuildChain(NewTree(), Selections{}))
	require.Nil(t, BuildChain(nil, nil))
}

func TestBuildChainDefaultsToEarliestChild(t *testing.T) {
	sel := Selections{}
	chain := BuildChain(forkedTree(t), sel)
	require.Equal(t, []NodeID{"u1", "a1"}, chain.IDs())
	require.Equal(t, NodeID("u1"), sel[RootForkKey])
}

func TestBuildChainDefaultIgnoresInsertionOrder(t *testing.T) {
	tree, err := NewTreeFromMessages(
		msgAt("late", NullNode, RoleUser, "b", 5),
		msgAt("early", NullNode, RoleUser, "a", 1),
	)
	require.NoError(t, err)
	require.Equal(t, []NodeID{"early"}, BuildChain(tree, nil).IDs())
}

func TestBuildChainFollowsSelection(t *testing.T) {
	sel := Selections{RootForkKey: "u1b"}
	require.Equal(t, []NodeID{"u1b", "a1b"}, BuildChain(forkedTree(t), sel).IDs())
}

func TestBuildChainStaleSelectionFallsBack(t *testing.T) {
	sel := Selections{RootForkKey: "gone"}
	require.Equal(t, []NodeID{"u1", "a1"}, BuildChain(forkedTree(t), sel).IDs())
	require.Equal(t, NodeID("u1"), sel[RootForkKey])
}

func TestBuildChainIsDeterministic(t *testing.T) {
	tree := forkedTree(t)
	sel := Selections{RootForkKey: "u1b"}
	first := BuildChain(tree, sel).IDs()
	for i := 0; i < 5; i++ {
		require.Equal(t, first, BuildChain(tree, sel).IDs())
	}
}

func TestBuildChainIsAlwaysRootedPath(t *testing.T) {
	tree := forkedTree(t)
	for _, sel := range []Selections{{}, {RootForkKey: "u1b"}, {RootForkKey: "a1"}} {
		chain := BuildChain(tree, sel)
		require.NotEmpty(t, chain)
		require.True(t, chain[0].IsRoot())
		for i := 1; i < len(chain); i++ {
			require.Equal(t, chain[i-1].ID, chain[i].ParentID)
		}
	}
}

func TestSelectionsRewriteID(t *testing.T) {
	sel := Selections{RootForkKey: "tmp-u", "tmp-u": "tmp-a"}
	sel.RewriteID("tmp-u", "srv-u")
	require.Equal(t, Selections{RootForkKey: "srv-u", "srv-u": "tmp-a"}, sel)
}

func TestSiblingsOf(t *testing.T) {
	tree := forkedTree(t)

	siblings, idx := SiblingsOf(tree, "u1b")
	require.Equal(t, []NodeID{"u1", "u1b"}, Conversation(siblings).IDs())
	require.Equal(t, 1, idx)

	siblings, idx = SiblingsOf(tree, "a1")
	require.Equal(t, []NodeID{"a1"}, Conversation(siblings).IDs())
	require.Equal(t, 0, idx)

	siblings, idx = SiblingsOf(tree, "missing")
	require.Nil(t, siblings)
	require.Equal(t, -1, idx)
}

func TestSiblingsOfFiltersByRole(t *testing.T) {
	tree, err := NewTreeFromMessages(
		msgAt("u1", NullNode, RoleUser, "hi", 0),
		msgAt("a1", "u1", RoleAssistant, "hello", 1),
		msgAt("u2", "u1", RoleUser, "stray", 2),
	)
	require.NoError(t, err)
	siblings, idx := SiblingsOf(tree, "a1")
	require.Equal(t, []NodeID{"a1"}, Conversation(siblings).IDs())
	require.Equal(t, 0, idx)
}
