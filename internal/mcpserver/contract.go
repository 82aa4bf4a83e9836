package mcpserver

// BatchFormatContract describes the mutation batch formats accepted by the
// commit_mutations tool and the ingest inbox.
const BatchFormatContract = `# Veritas Batch Format Contract

A batch is applied atomically as one new graph version. It is either a
YAML/JSON document or a Markdown fact note.

## YAML / JSON

` + "```" + `yaml
summary: add lyon              # OPTIONAL – commit summary
base_version: 3                # OPTIONAL – fail with a conflict if a later
                               # version touched the same vertices; omit to
                               # rebase on the latest version
vertices:
  - id: lyon                   # REQUIRED – stable vertex id
    label: Lyon                # display name, matched against questions
    type: City
    attributes:
      domain: geography        # groups the vertex for freshness tracking
relationships:
  - id: r-lyon-france          # OPTIONAL on create – assigned when empty
    subject: lyon              # REQUIRED on create – live vertex id
    predicate: locatedIn       # REQUIRED on create – camelCase, no spaces
    object: france             # REQUIRED on create – live vertex id
  - id: r-old-fact
    delete: true               # invalidates the relationship
` + "```" + `

A vertex entry with ` + "`" + `delete: true` + "`" + ` invalidates the vertex and every
relationship touching it. An entry for an existing vertex id replaces it.

## Markdown fact note

` + "```" + `markdown
---
summary: french cities         # OPTIONAL – defaults to the first H1
vertices:
  - id: lyon
    label: Lyon
---
# French cities

- [[Lyon]] locatedIn [[France]]
- [[Lyon|the city]] twinnedWith [[Saint Petersburg]]
` + "```" + `

Each body line of the form ` + "`" + `[[Subject]] predicate [[Object]]` + "`" + ` creates a
relationship. Link targets become vertex ids: lower-cased, spaces replaced
by dashes, alias after ` + "`" + `|` + "`" + ` ignored. Other lines are ignored.

## Rules

1. Every referenced vertex must exist at commit time or be created in the
   same batch.
2. A vertex or relationship id may appear at most once per batch.
3. History is append-only: deletes invalidate, nothing is erased.
`
