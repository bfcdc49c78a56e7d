// Package rest exposes table endpoints over HTTP.
//
//	Route                        | Description
//	-----------------------------|------------------------------------------
//	GET  {base}/tables           | List the registered entity types
//	GET  {base}/tables/{entity}  | Describe one entity type
//	POST {base}/tables/{entity}  | Run a table request, respond with the envelope
//
// The POST body is a table request document:
//
//	{
//	  "binds":          {"customer": 7},
//	  "controls":       ["create"],
//	  "actions":        ["edit", "delete"],
//	  "filter":         {"status": "open"},
//	  "invertedFilter": {"status": true},
//	  "freeSearch":     "acme",
//	  "columns":        ["#", "number", "customer"],
//	  "order":          {"number": -1},
//	  "page":           1,
//	  "perPage":        25
//	}
//
// The actor is taken from the request context, see httputil.WithActor.
// Requests without an actor are rejected with 401.
//
// Every response to a table request carries the counts in headers:
//
//	X-Total-Count     records of the entity type after scoping and binds
//	X-Filtered-Count  records after filter and freeSearch
//	X-Page-Count      number of pages
//
// With "Prefer: return=headers-only" the body is omitted and the status is
// 204. Return preferences other than representation and headers-only are
// rejected with 400.
package rest
