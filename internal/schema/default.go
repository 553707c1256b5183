package schema

// defaultSchema is the shipped canonical schema for the bike-store dataset.
// Operators point `schema.path` at their own file to replace it.
const defaultSchema = `
entities:
  brands:
    role: DATABASE
    key: [brand_id]
    modified_column: updated_at
    fields:
      brand_id: number
      brand_name: string
  categories:
    role: DATABASE
    key: [category_id]
    modified_column: updated_at
    fields:
      category_id: number
      category_name: string
  products:
    role: DATABASE
    key: [product_id]
    modified_column: updated_at
    fields:
      product_id: number
      product_name: string
      brand_id: number
      category_id: number
      model_year: number
      list_price: number
  stocks:
    role: DATABASE
    key: [store_id, product_id]
    modified_column: updated_at
    fields:
      store_id: number
      product_id: number
      quantity: number
  staffs:
    role: DATABASE
    key: [staff_id]
    modified_column: updated_at
    fields:
      staff_id: number
      first_name: string
      last_name: string
      email: string
      phone: string
      active: number
      store_id: number
      manager_id: number
  stores:
    role: DATABASE
    key: [store_id]
    modified_column: updated_at
    fields:
      store_id: number
      store_name: string
      phone: string
      email: string
      street: string
      city: string
      state: string
      zip_code: string
  customers:
    role: API
    key: [customer_id]
    fields:
      customer_id: number
      first_name: string
      last_name: string
      phone: string
      email: string
      street: string
      city: string
      state: string
      zip_code: string
  orders:
    role: API
    key: [order_id]
    fields:
      order_id: number
      customer_id: number
      order_status: number
      order_date: timestamp
      required_date: timestamp
      shipped_date: timestamp
      staff_id: number
      store_id: number
  order_items:
    role: API
    key: [order_id, item_id]
    fields:
      order_id: number
      item_id: number
      product_id: number
      quantity: number
      list_price: number
      discount: number
`

// Default returns the shipped bike-store schema.
func Default() (*Schema, error) {
	return Parse([]byte(defaultSchema))
}
