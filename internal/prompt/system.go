package prompt

// System instructions, one per generation role.
const (
	SystemStrategyAssignment = "You assign writing strategies to the cells of a table so that text written from the table is more diverse and harder to extract from."
	SystemCellGuidance       = "You write specific instructions that tell an author how to express a single table cell in natural prose using assigned strategies."
	SystemCellGuidanceCheck  = "You verify that writing instructions follow their assigned strategies, keep the data intact, and do not misuse the table."
	SystemFactSplit          = "You decide whether a fact should be restructured into several sub-facts to produce a more sophisticated narrative."
	SystemFactSplitCheck     = "You verify that generated sub-facts are complete and accurate and let the reader recover the original information."
	SystemDocumentPlan       = "You design document structures and assign facts to sections according to a theme, a genre, and a dispersion strategy."
	SystemWriteSection       = "You write natural, engaging prose that incorporates required facts according to their writing guidance."
	SystemVerifySection      = "You check that written sections contain all required facts, follow their guidance, and stay factually accurate."
	SystemRepairSection      = "You fix verification errors in written sections while preserving the narrative and all other facts."
)

// Dispersion guidance injected into the planning request.
const (
	SparseDispersion = `3. Scatter facts widely. Facts marked as members of the same group must go to separate, non-adjacent sections.`
	DenseDispersion  = `3. Cluster related facts. Facts marked as members of the same group must share one section or a run of consecutive sections. Add fact-free sections where needed to reach the section count.`
)
