// Package catalog holds the product record shared by retrieval, tools and the
// response payload, and the category vocabulary provider that constrains the
// query decomposer. The file-backed vocabulary reloads itself on change.
package catalog
