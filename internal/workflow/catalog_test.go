package workflow

import (
	"testing"

	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogYAML = `
workflows:
  - name: shopify_onboarding
    initiator: system
    initialAction:
      message: "Greet the merchant and start onboarding for {merchant_id}"
      stripFromHistory: true
    transitions:
      - ad_hoc_support
      - shopify_dashboard

  - name: ad_hoc_support
    events:
      order_created: "A new order arrived: {order_id}"

  - name: shopify_dashboard
    requirements:
      authenticated: true
      merchant: true
    initialAction:
      message: "Show the daily briefing"
    onCompletion: "The {provider} store {shop_domain} is now connected."
`

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)
	return c
}

func TestParseCatalog(t *testing.T) {
	c := testCatalog(t)

	assert.Equal(t, []string{"ad_hoc_support", "shopify_dashboard", "shopify_onboarding"}, c.Names())

	def, ok := c.Get("shopify_onboarding")
	require.True(t, ok)
	assert.Equal(t, InitiatorSystem, def.Initiator)
	require.NotNil(t, def.InitialAction)
	assert.True(t, def.InitialAction.StripFromHistory)
	assert.Equal(t, []string{"ad_hoc_support", "shopify_dashboard"}, def.Transitions)
}

func TestParseCatalog_DefaultInitiator(t *testing.T) {
	c := testCatalog(t)
	def, ok := c.Get("ad_hoc_support")
	require.True(t, ok)
	assert.Equal(t, InitiatorClient, def.Initiator)
}

func TestParseCatalog_Empty(t *testing.T) {
	_, err := ParseCatalog([]byte("workflows: []"))
	assert.Error(t, err)
}

func TestParseCatalog_DuplicateName(t *testing.T) {
	_, err := ParseCatalog([]byte(`
workflows:
  - name: a
  - name: a
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseCatalog_UnknownTransitionTarget(t *testing.T) {
	_, err := ParseCatalog([]byte(`
workflows:
  - name: a
    transitions: [ghost]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestAllowsTransitionTo(t *testing.T) {
	c := testCatalog(t)

	onboarding, _ := c.Get("shopify_onboarding")
	assert.True(t, onboarding.AllowsTransitionTo("ad_hoc_support"))
	assert.False(t, onboarding.AllowsTransitionTo("shopify_onboarding"))

	// An empty transitions list allows any target.
	support, _ := c.Get("ad_hoc_support")
	assert.True(t, support.AllowsTransitionTo("shopify_dashboard"))
	assert.True(t, support.AllowsTransitionTo("anything"))
}

func TestRequirementFlags(t *testing.T) {
	c := testCatalog(t)
	dashboard, _ := c.Get("shopify_dashboard")
	flags := dashboard.RequirementFlags()
	assert.True(t, flags["authenticated"])
	assert.True(t, flags["merchant"])
}

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("The {provider} store {shop_domain} is now connected.", map[string]string{
		"provider":    "shopify",
		"shop_domain": "acme.myshopify.com",
	})
	assert.Equal(t, "The shopify store acme.myshopify.com is now connected.", out)
}

func TestRenderTemplate_MissingKeyLeftVerbatim(t *testing.T) {
	out := RenderTemplate("Hello {name}", nil)
	assert.Equal(t, "Hello {name}", out)
}

func TestMeetsRequirements(t *testing.T) {
	c := testCatalog(t)
	dashboard, _ := c.Get("shopify_dashboard")

	anon := &domain.Session{ID: "anon_1", Anonymous: true}
	assert.False(t, MeetsRequirements(dashboard, anon))

	authed := &domain.Session{ID: "conv_1", UserID: "user-1"}
	assert.False(t, MeetsRequirements(dashboard, authed), "merchant context still missing")

	authed.MerchantID = "merchant-9"
	assert.True(t, MeetsRequirements(dashboard, authed))
}
