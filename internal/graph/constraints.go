package graph

// Constraint queries per backend. Applied idempotently at startup so races
// between workers creating the same logical entity collapse into a single
// winner at the database level.

// neo4jConstraints uses CREATE CONSTRAINT IF NOT EXISTS syntax.
var neo4jConstraints = []string{
	// Unique ids.
	"CREATE CONSTRAINT entity_uuid_unique IF NOT EXISTS FOR (n:Entity) REQUIRE n.uuid IS UNIQUE",
	"CREATE CONSTRAINT episodic_uuid_unique IF NOT EXISTS FOR (n:Episodic) REQUIRE n.uuid IS UNIQUE",
	"CREATE CONSTRAINT community_uuid_unique IF NOT EXISTS FOR (n:Community) REQUIRE n.uuid IS UNIQUE",
	"CREATE CONSTRAINT relates_to_uuid_unique IF NOT EXISTS FOR ()-[e:RELATES_TO]-() REQUIRE e.uuid IS UNIQUE",
	"CREATE CONSTRAINT has_member_uuid_unique IF NOT EXISTS FOR ()-[e:HAS_MEMBER]-() REQUIRE e.uuid IS UNIQUE",
	// One canonical entity per (name, tenant).
	"CREATE CONSTRAINT entity_name_group_unique IF NOT EXISTS FOR (n:Entity) REQUIRE (n.name, n.group_id) IS UNIQUE",
	// Mandatory fields.
	"CREATE CONSTRAINT entity_uuid_exists IF NOT EXISTS FOR (n:Entity) REQUIRE n.uuid IS NOT NULL",
	"CREATE CONSTRAINT entity_name_exists IF NOT EXISTS FOR (n:Entity) REQUIRE n.name IS NOT NULL",
	"CREATE CONSTRAINT entity_group_id_exists IF NOT EXISTS FOR (n:Entity) REQUIRE n.group_id IS NOT NULL",
	"CREATE CONSTRAINT episodic_uuid_exists IF NOT EXISTS FOR (n:Episodic) REQUIRE n.uuid IS NOT NULL",
	"CREATE CONSTRAINT episodic_group_id_exists IF NOT EXISTS FOR (n:Episodic) REQUIRE n.group_id IS NOT NULL",
	"CREATE CONSTRAINT relates_to_uuid_exists IF NOT EXISTS FOR ()-[e:RELATES_TO]-() REQUIRE e.uuid IS NOT NULL",
	"CREATE CONSTRAINT relates_to_group_id_exists IF NOT EXISTS FOR ()-[e:RELATES_TO]-() REQUIRE e.group_id IS NOT NULL",
}

// falkorConstraints uses GRAPH.CONSTRAINT CREATE. Exact-match indexes must
// exist before the unique constraints do.
var falkorIndexes = []string{
	"CREATE INDEX FOR (n:Entity) ON (n.uuid)",
	"CREATE INDEX FOR (n:Entity) ON (n.name, n.group_id)",
	"CREATE INDEX FOR (n:Episodic) ON (n.uuid)",
}

// falkorConstraintArgs are the GRAPH.CONSTRAINT CREATE argument lists; the
// graph key is prepended by the driver.
var falkorConstraintArgs = [][]string{
	{"UNIQUE", "NODE", "Entity", "PROPERTIES", "1", "uuid"},
	{"UNIQUE", "NODE", "Episodic", "PROPERTIES", "1", "uuid"},
	{"UNIQUE", "NODE", "Community", "PROPERTIES", "1", "uuid"},
	{"UNIQUE", "RELATIONSHIP", "RELATES_TO", "PROPERTIES", "1", "uuid"},
	{"UNIQUE", "NODE", "Entity", "PROPERTIES", "2", "name", "group_id"},
	{"MANDATORY", "NODE", "Entity", "PROPERTIES", "1", "uuid"},
	{"MANDATORY", "NODE", "Entity", "PROPERTIES", "1", "name"},
	{"MANDATORY", "NODE", "Entity", "PROPERTIES", "1", "group_id"},
	{"MANDATORY", "NODE", "Episodic", "PROPERTIES", "1", "uuid"},
	{"MANDATORY", "NODE", "Episodic", "PROPERTIES", "1", "group_id"},
	{"MANDATORY", "RELATIONSHIP", "RELATES_TO", "PROPERTIES", "1", "uuid"},
}
