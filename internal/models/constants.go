package models

// DefaultBillingOrder is stored when the feed omits a billing order.
const DefaultBillingOrder = "0"

// DateLayout is the layout of schedule dates in digests and schedule requests.
const DateLayout = "2006-01-02"
