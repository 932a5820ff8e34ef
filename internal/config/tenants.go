package config

// WikiTenants adapts Config's tenant -> host map to slotpool.KnownTenants.
type WikiTenants map[string]string

// Host reports tenant's configured Host header, and whether tenant is
// known at all (spec §4.7 step 2: a known tenant is one that appears in
// configuration).
func (w WikiTenants) Host(tenant string) (string, bool) {
	host, ok := w[tenant]
	return host, ok
}
