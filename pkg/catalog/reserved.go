// SPDX-License-Identifier: Apache-2.0

package catalog

// reservedWords is the set of PostgreSQL 16 key words marked "reserved" or
// "reserved (can be function or type name)" in the official key word table
// (https://www.postgresql.org/docs/16/sql-keywords-appendix.html). Pinned to
// one PostgreSQL version per the spec's open question: the reserved list
// varies across releases, so the implementation fixes one.
var reservedWords = map[string]struct{}{
	"all": {}, "analyse": {}, "analyze": {}, "and": {}, "any": {}, "array": {},
	"as": {}, "asc": {}, "asymmetric": {}, "both": {}, "case": {}, "cast": {},
	"check": {}, "collate": {}, "column": {}, "constraint": {}, "create": {},
	"current_catalog": {}, "current_date": {}, "current_role": {},
	"current_time": {}, "current_timestamp": {}, "current_user": {},
	"default": {}, "deferrable": {}, "desc": {}, "distinct": {}, "do": {},
	"else": {}, "end": {}, "except": {}, "false": {}, "fetch": {}, "for": {},
	"foreign": {}, "from": {}, "grant": {}, "group": {}, "having": {}, "in": {},
	"initially": {}, "intersect": {}, "into": {}, "lateral": {}, "leading": {},
	"limit": {}, "localtime": {}, "localtimestamp": {}, "not": {}, "null": {},
	"offset": {}, "on": {}, "only": {}, "or": {}, "order": {}, "placing": {},
	"primary": {}, "references": {}, "returning": {}, "select": {},
	"session_user": {}, "some": {}, "symmetric": {}, "table": {}, "then": {},
	"to": {}, "trailing": {}, "true": {}, "union": {}, "unique": {}, "user": {},
	"using": {}, "variadic": {}, "when": {}, "where": {}, "window": {},
	"with": {},
	// reserved (can be function or type name)
	"between": {}, "bigint": {}, "bit": {}, "boolean": {}, "char": {},
	"character": {}, "coalesce": {}, "dec": {}, "decimal": {}, "exists": {},
	"extract": {}, "float": {}, "greatest": {}, "inout": {}, "int": {},
	"integer": {}, "interval": {}, "least": {}, "national": {}, "nchar": {},
	"none": {}, "nullif": {}, "numeric": {}, "out": {}, "overlay": {},
	"position": {}, "precision": {}, "real": {}, "row": {}, "setof": {},
	"smallint": {}, "substring": {}, "time": {}, "timestamp": {}, "treat": {},
	"trim": {}, "values": {}, "varchar": {}, "xmlattributes": {}, "xmlconcat": {},
	"xmlelement": {}, "xmlexists": {}, "xmlforest": {}, "xmlnamespaces": {},
	"xmlparse": {}, "xmlpi": {}, "xmlroot": {}, "xmlserialize": {}, "xmltable": {},
}
