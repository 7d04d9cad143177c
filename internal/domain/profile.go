package domain

// Address is a shipping or billing address.
type Address struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Address1  string `json:"address1" validate:"required"`
	Address2  string `json:"address2"`
	City      string `json:"city" validate:"required"`
	State     string `json:"state" validate:"required"`
	Zip       string `json:"zip" validate:"required"`
	Country   string `json:"country"`
}

// Card holds payment card data. The number and CVV must never reach logs,
// error strings or serialized task state; use Masked for display.
type Card struct {
	Holder   string `json:"holder" validate:"required"`
	Number   string `json:"number" validate:"required,credit_card"`
	ExpMonth string `json:"exp_month" validate:"required,len=2"`
	ExpYear  string `json:"exp_year" validate:"required,len=4"`
	CVV      string `json:"cvv" validate:"required,min=3,max=4"`
}

// LastFour returns the final four digits of the PAN.
func (c Card) LastFour() string {
	if len(c.Number) < 4 {
		return c.Number
	}
	return c.Number[len(c.Number)-4:]
}

// Masked is the only card representation allowed outside the payment step.
func (c Card) Masked() string {
	return "**** **** **** " + c.LastFour()
}

// Profile is a customer identity used to fill checkout forms.
type Profile struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name" validate:"required"`
	Email                 string  `json:"email" validate:"required,email"`
	Phone                 string  `json:"phone"`
	Shipping              Address `json:"shipping" validate:"required"`
	Billing               Address `json:"billing"`
	BillingSameAsShipping bool    `json:"billing_same_as_shipping"`
	Card                  Card    `json:"card" validate:"required"`
}

// BillingAddress resolves the address to put on the payment step.
func (p Profile) BillingAddress() Address {
	if p.BillingSameAsShipping {
		return p.Shipping
	}
	return p.Billing
}
