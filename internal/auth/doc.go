// Package auth guards the write endpoints of the marketplace API with
// HS256 operator tokens. Each token carries a subject and a permission list;
// routes declare the permissions they need and read-only routes stay open.
package auth
