package entities

// All returns every model in migration order.
func All() []any {
	return []any{&User{}, &Device{}, &Recording{}, &Analysis{}, &Species{}}
}
